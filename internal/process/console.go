package process

import (
	"fmt"
	"io"
)

// Console wraps the simulation's stdin/stdout as FDs for the two reserved
// descriptors. It is simply the process's given io.Reader/io.Writer; there
// is no real keyboard or VGA device behind it.
type Console struct {
	r io.Reader
	w io.Writer
}

// NewConsoleIn wraps r as a read-only console FD (fd 0).
func NewConsoleIn(r io.Reader) *Console { return &Console{r: r} }

// NewConsoleOut wraps w as a write-only console FD (fd 1).
func NewConsoleOut(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Read(p []byte) (int, error) {
	if c.r == nil {
		return 0, fmt.Errorf("process: console fd is not readable")
	}
	return c.r.Read(p)
}

func (c *Console) Write(p []byte) (int, error) {
	if c.w == nil {
		return 0, fmt.Errorf("process: console fd is not writable")
	}
	return c.w.Write(p)
}

func (c *Console) Seek(int64)             {}
func (c *Console) Tell() int64            { return 0 }
func (c *Console) Length() (int64, error) { return 0, fmt.Errorf("process: console has no length") }
func (c *Console) Close() error           { return nil }
