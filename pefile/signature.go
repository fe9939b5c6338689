package pefile

import (
	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

// StripSignature removes the Authenticode certificate table. The entry is a
// file offset and length rather than an RVA. The blob must sit at the end of
// the file (zero padding after it is tolerated); it is truncated away and the
// number of removed bytes is returned.
func (pe *PeFile) StripSignature() (int, error) {
	dd := pe.DataDirectory(CertificateTable)
	if dd.Size == 0 {
		return 0, nil
	}

	start := uint64(dd.VirtualAddress)
	end := start + uint64(dd.Size)
	if start == 0 || end > uint64(len(pe.data)) {
		return 0, errors.Wrapf(util.ErrInvalidFormat, "certificate table [0x%x, +0x%x) outside of file", dd.VirtualAddress, dd.Size)
	}
	for _, b := range pe.data[end:] {
		if b != 0 {
			return 0, errors.Wrapf(util.ErrInvariantViolation,
				"certificate table ends at 0x%x but file continues to 0x%x", end, len(pe.data))
		}
	}
	for _, s := range pe.Sections {
		if s.Size > 0 && uint64(s.Offset)+uint64(s.Size) > start {
			return 0, errors.Wrapf(util.ErrInvariantViolation,
				"certificate table overlaps section %s", s.Name)
		}
	}

	if err := pe.SetDataDirectory(CertificateTable, DataDirectory{}); err != nil {
		return 0, err
	}
	removed := len(pe.data) - int(start)
	pe.data = pe.data[:start]
	pe.Size = int64(len(pe.data))
	if err := pe.UpdateChecksum(); err != nil {
		return 0, err
	}
	return removed, nil
}
