// Package swapdisk provides the sector-addressed backing store for
// anonymous page swap: a real file accessed with golang.org/x/sys/unix
// Pread/Pwrite at sector granularity, since it models a raw block device
// rather than a regular file.
package swapdisk

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// SectorSize is the disk's addressing granularity.
const SectorSize = 512

// Disk is a fixed-size file of sectors. Concurrent transfers are bounded
// by a weighted semaphore so a burst of evictions cannot flood the backing
// file with unbounded parallel I/O.
type Disk struct {
	f        *os.File
	sectors  int64
	inflight *semaphore.Weighted
}

// Open opens (creating if necessary) a swap disk file of the given sector
// count, truncating or extending it to exactly sectors*SectorSize bytes.
func Open(path string, sectors int64, maxInflight int64) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swapdisk: open %s: %w", path, err)
	}
	size := sectors * SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("swapdisk: truncate %s to %d bytes: %w", path, size, err)
	}
	if maxInflight <= 0 {
		maxInflight = 4
	}
	return &Disk{f: f, sectors: sectors, inflight: semaphore.NewWeighted(maxInflight)}, nil
}

// Sectors returns the disk's total sector count.
func (d *Disk) Sectors() int64 { return d.sectors }

// Close closes the underlying file.
func (d *Disk) Close() error { return d.f.Close() }

// ReadSector reads exactly SectorSize bytes from sector n into buf.
func (d *Disk) ReadSector(ctx context.Context, n int64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("swapdisk: read buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	if err := d.checkRange(n); err != nil {
		return err
	}
	if err := d.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.inflight.Release(1)
	_, err := unix.Pread(int(d.f.Fd()), buf, n*SectorSize)
	if err != nil {
		return fmt.Errorf("swapdisk: pread sector %d: %w", n, err)
	}
	return nil
}

// WriteSector writes exactly SectorSize bytes from buf to sector n.
func (d *Disk) WriteSector(ctx context.Context, n int64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("swapdisk: write buffer must be %d bytes, got %d", SectorSize, len(buf))
	}
	if err := d.checkRange(n); err != nil {
		return err
	}
	if err := d.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.inflight.Release(1)
	_, err := unix.Pwrite(int(d.f.Fd()), buf, n*SectorSize)
	if err != nil {
		return fmt.Errorf("swapdisk: pwrite sector %d: %w", n, err)
	}
	return nil
}

func (d *Disk) checkRange(n int64) error {
	if n < 0 || n >= d.sectors {
		return fmt.Errorf("swapdisk: sector %d out of range [0,%d)", n, d.sectors)
	}
	return nil
}
