package pefile

import (
	"math"

	"github.com/carbonblack/metaedit/util"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	scnCntInitializedData = 0x00000040
	scnMemRead            = 0x40000000
)

func overflow(format string, args ...interface{}) error {
	return errors.Wrapf(util.ErrLayoutOverflow, format, args...)
}

// ResourceRVA is the address the resource directory will be built at: the
// current resource section, or the first free address after the last
// section when the image has none yet.
func (pe *PeFile) ResourceRVA() (uint32, error) {
	if s := pe.ResourceSection(); s != nil {
		return s.VirtualAddress, nil
	}
	return pe.nextSectionRVA()
}

func (pe *PeFile) nextSectionRVA() (uint32, error) {
	next := util.AlignUp64(uint64(pe.SizeOfHeaders()), uint64(pe.SectionAlignment()))
	for _, s := range pe.Sections {
		if end := uint64(s.VirtualAddress) + pe.virtualSpan(s); end > next {
			next = end
		}
	}
	if next > math.MaxUint32 {
		return 0, overflow("no virtual address left for a new section")
	}
	return uint32(next), nil
}

// ApplyResources replaces the resource section with rsrc, which must have
// been built for ResourceRVA. Sections after it are moved, the section
// table, SizeOfImage and the resource directory entry are rewritten and the
// checksum is recomputed.
func (pe *PeFile) ApplyResources(rsrc []byte, logger hclog.Logger) error {
	logger = util.OrNull(logger)
	s := pe.ResourceSection()
	if s == nil {
		if err := pe.appendSection(".rsrc", rsrc, scnCntInitializedData|scnMemRead, logger); err != nil {
			return err
		}
	} else {
		if dd := pe.DataDirectory(ResourceTable); dd.VirtualAddress != 0 && dd.VirtualAddress != s.VirtualAddress {
			return errors.Wrapf(util.ErrInvariantViolation,
				"resource directory at 0x%x does not start section %s", dd.VirtualAddress, s.Name)
		}
		if err := pe.resizeSection(s, rsrc, logger); err != nil {
			return err
		}
	}

	s = pe.ResourceSection()
	if err := pe.SetDataDirectory(ResourceTable, DataDirectory{s.VirtualAddress, uint32(len(rsrc))}); err != nil {
		return err
	}
	if err := pe.updateSizeOfImage(); err != nil {
		return err
	}
	pe.Size = int64(len(pe.data))
	return pe.UpdateChecksum()
}

// resizeSection swaps the raw data of s for data and shifts everything that
// follows it, in the file and in memory.
func (pe *PeFile) resizeSection(s *Section, data []byte, logger hclog.Logger) error {
	fileAlign := uint64(pe.FileAlignment())

	oldEnd := uint64(s.Offset) + uint64(s.Size)
	if oldEnd > uint64(len(pe.data)) {
		return invalid("%s: section %s exceeds file", pe.Path, s.Name)
	}
	newRaw := util.AlignUp64(uint64(len(data)), fileAlign)
	oldSpan := pe.virtualSpan(s)
	newSpan := util.AlignUp64(uint64(len(data)), uint64(pe.SectionAlignment()))
	if newRaw > math.MaxUint32 || uint64(s.VirtualAddress)+newSpan > math.MaxUint32 {
		return overflow("section %s of %d bytes", s.Name, len(data))
	}

	fileDelta := int64(newRaw) - int64(s.Size)
	virtDelta := int64(newSpan) - int64(oldSpan)
	oldVirtEnd := uint64(s.VirtualAddress) + oldSpan
	logger.Debug("resizing section", "name", s.Name, "raw_delta", fileDelta, "virtual_delta", virtDelta)

	// validate every move before touching anything
	type move struct {
		sec     *Section
		offset  int64
		address int64
	}
	moves := []move{}
	for _, t := range pe.Sections {
		if t == s {
			continue
		}
		m := move{t, int64(t.Offset), int64(t.VirtualAddress)}
		if t.Size > 0 && uint64(t.Offset) >= oldEnd {
			m.offset += fileDelta
		}
		if uint64(t.VirtualAddress) >= oldVirtEnd {
			m.address += virtDelta
		}
		if m.offset < 0 || m.offset+int64(t.Size) > math.MaxUint32 ||
			m.address < 0 || uint64(m.address)+pe.virtualSpan(t) > math.MaxUint32 {
			return overflow("section %s would move outside the addressable range", t.Name)
		}
		moves = append(moves, m)
	}

	out := make([]byte, 0, int64(len(pe.data))+fileDelta)
	out = append(out, pe.data[:s.Offset]...)
	out = append(out, data...)
	out = append(out, make([]byte, newRaw-uint64(len(data)))...)
	out = append(out, pe.data[oldEnd:]...)
	if uint64(len(out)) > math.MaxUint32 {
		return overflow("image of %d bytes", len(out))
	}

	for _, m := range moves {
		if int64(m.sec.Offset) != m.offset || int64(m.sec.VirtualAddress) != m.address {
			logger.Trace("moving section", "name", m.sec.Name, "offset", m.offset, "address", m.address)
		}
		m.sec.Offset = uint32(m.offset)
		m.sec.VirtualAddress = uint32(m.address)
	}

	dirs := pe.dataDirectories()
	for i := 0; i < pe.numberOfRvaAndSizes(); i++ {
		dd := &dirs[i]
		if dd.VirtualAddress == 0 || i == ResourceTable {
			continue
		}
		if i == CertificateTable {
			if uint64(dd.VirtualAddress) >= oldEnd {
				dd.VirtualAddress = uint32(int64(dd.VirtualAddress) + fileDelta)
			}
			continue
		}
		if uint64(dd.VirtualAddress) >= oldVirtEnd {
			dd.VirtualAddress = uint32(int64(dd.VirtualAddress) + virtDelta)
		}
	}
	if p := uint64(pe.CoffHeader.PointerSymbolTable); p != 0 && p >= oldEnd {
		pe.CoffHeader.PointerSymbolTable = uint32(int64(p) + fileDelta)
	}

	s.Size = uint32(newRaw)
	s.VirtualSize = uint32(len(data))
	s.Entropy = entropy(data)
	pe.adjustInitializedData(fileDelta)
	pe.data = out
	return nil
}

// appendSection adds a section after the last one. The section table must
// have a free, zeroed slot below both SizeOfHeaders and the first section's
// raw data.
func (pe *PeFile) appendSection(name string, data []byte, characteristics uint32, logger hclog.Logger) error {
	tableEnd := pe.sectionTableOffset() + int64(len(pe.Sections))*sectionHeaderSize
	limit := int64(pe.SizeOfHeaders())
	for _, t := range pe.Sections {
		if t.Size > 0 && int64(t.Offset) < limit {
			limit = int64(t.Offset)
		}
	}
	if tableEnd+sectionHeaderSize > limit || tableEnd+sectionHeaderSize > int64(len(pe.data)) {
		return overflow("no room for another section header")
	}
	for _, b := range pe.data[tableEnd : tableEnd+sectionHeaderSize] {
		if b != 0 {
			return overflow("section table slack is in use")
		}
	}

	rva, err := pe.nextSectionRVA()
	if err != nil {
		return err
	}
	fileAlign := uint64(pe.FileAlignment())
	offset := util.AlignUp64(uint64(pe.SizeOfHeaders()), fileAlign)
	for _, t := range pe.Sections {
		if end := uint64(t.Offset) + uint64(t.Size); t.Size > 0 && end > offset {
			offset = util.AlignUp64(end, fileAlign)
		}
	}
	raw := util.AlignUp64(uint64(len(data)), fileAlign)
	if offset+raw > math.MaxUint32 || uint64(rva)+util.AlignUp64(uint64(len(data)), uint64(pe.SectionAlignment())) > math.MaxUint32 {
		return overflow("section %s of %d bytes", name, len(data))
	}
	logger.Debug("adding section", "name", name, "offset", offset, "address", rva, "size", len(data))

	// anything after the new section's raw data (overlay, certificates) moves down
	var tail []byte
	if offset < uint64(len(pe.data)) {
		tail = pe.data[offset:]
	}
	out := make([]byte, 0, offset+raw+uint64(len(tail)))
	if offset < uint64(len(pe.data)) {
		out = append(out, pe.data[:offset]...)
	} else {
		out = append(out, pe.data...)
		out = append(out, make([]byte, offset-uint64(len(pe.data)))...)
	}
	out = append(out, data...)
	out = append(out, make([]byte, raw-uint64(len(data)))...)
	out = append(out, tail...)

	if dd := pe.DataDirectory(CertificateTable); dd.Size != 0 && uint64(dd.VirtualAddress) >= offset {
		dd.VirtualAddress += uint32(raw)
		if err := pe.SetDataDirectory(CertificateTable, dd); err != nil {
			return err
		}
	}

	s := &Section{
		Name:            name,
		VirtualSize:     uint32(len(data)),
		VirtualAddress:  rva,
		Size:            uint32(raw),
		Offset:          uint32(offset),
		Characteristics: characteristics,
		Entropy:         entropy(data),
	}
	copy(s.rawName[:], name)
	pe.Sections = append(pe.Sections, s)
	pe.CoffHeader.NumberOfSections++
	pe.adjustInitializedData(int64(raw))
	pe.data = out
	return nil
}

func (pe *PeFile) updateSizeOfImage() error {
	end := util.AlignUp64(uint64(pe.SizeOfHeaders()), uint64(pe.SectionAlignment()))
	for _, s := range pe.Sections {
		if e := uint64(s.VirtualAddress) + pe.virtualSpan(s); e > end {
			end = e
		}
	}
	if end > math.MaxUint32 {
		return overflow("image size 0x%x", end)
	}
	pe.setSizeOfImage(uint32(end))
	return nil
}
