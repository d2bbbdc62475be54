//go:build unix

package daypack

import (
	"bytes"
	"os"

	"fcppm/model"

	"golang.org/x/sys/unix"
)

// MappedPack is a read-only view of a day-pack file obtained via mmap. The
// mapping stays valid for the handle's lifetime even if the underlying file
// is later unlinked, because the inode remains live until Close.
type MappedPack struct {
	data []byte
	bars []model.Bar
}

// Open memory-maps path and decodes its schema header + bars. Returns
// errs.ErrCorruptCache (wrapped) if the file's schema doesn't match.
func Open(path string) (*MappedPack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := int(info.Size())
	if size == 0 {
		return &MappedPack{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	bars, err := Decode(bytes.NewReader(data))
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}

	return &MappedPack{data: data, bars: bars}, nil
}

// Bars returns the decoded bars. They are copied out of the mapping when
// Open decodes the file, so the slice stays valid after Close.
func (m *MappedPack) Bars() []model.Bar { return m.bars }

// Close unmaps the underlying file.
func (m *MappedPack) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
