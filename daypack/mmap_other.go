//go:build !unix

package daypack

import (
	"bytes"
	"os"

	"fcppm/model"
)

// MappedPack is a read-only view of a day-pack file. On non-unix platforms
// this falls back to a full read rather than a true memory map; the public
// contract (Bars/Close) is identical.
type MappedPack struct {
	bars []model.Bar
}

// Open reads path and decodes its schema header + bars.
func Open(path string) (*MappedPack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &MappedPack{}, nil
	}
	bars, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &MappedPack{bars: bars}, nil
}

// Bars returns the decoded bars.
func (m *MappedPack) Bars() []model.Bar { return m.bars }

// Close is a no-op on this platform.
func (m *MappedPack) Close() error { return nil }
