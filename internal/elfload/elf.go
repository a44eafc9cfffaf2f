// Package elfload parses AMD64 ELF executables for process.Exec using the
// standard library's debug/elf: this simulation runs hosted, so there is
// no freestanding-binary constraint forcing hand-rolled ELF structs.
package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// MaxProgramHeaders bounds how many program headers a binary may declare,
// a defensive limit on untrusted ELF input.
const MaxProgramHeaders = 1024

// Segment is one loadable chunk of an ELF binary's memory image.
type Segment struct {
	VAddr    uint64
	FileSize uint64
	MemSize  uint64
	Writable bool
	Data     []byte // FileSize bytes read from the binary
}

// Image is the parsed result of an ELF binary ready for loading into a
// fresh address space.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Load parses raw, an in-memory ELF binary, returning its loadable
// segments and entry point. Only ET_EXEC/ET_DYN 64-bit little-endian
// AMD64 binaries with PT_LOAD segments are supported.
func Load(raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("elfload: parse: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elfload: only 64-bit binaries are supported")
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("elfload: only amd64 binaries are supported")
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("elfload: unsupported ELF type %s", f.Type)
	}
	if len(f.Progs) > MaxProgramHeaders {
		return nil, fmt.Errorf("elfload: too many program headers (%d > %d)", len(f.Progs), MaxProgramHeaders)
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("elfload: read segment at %#x: %w", prog.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			VAddr:    prog.Vaddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Writable: prog.Flags&elf.PF_W != 0,
			Data:     data,
		})
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("elfload: no PT_LOAD segments found")
	}
	return img, nil
}
