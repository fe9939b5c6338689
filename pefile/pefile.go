package pefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/carbonblack/metaedit/util"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type PeType int

const (
	Pe32 PeType = iota
	Pe32p
)

// data directory indexes used by the editor
const (
	ExportTable      = 0
	ImportTable      = 1
	ResourceTable    = 2
	ExceptionTable   = 3
	CertificateTable = 4
	BaseRelocTable   = 5
)

const (
	dosHeaderSize     = 64
	peSignatureSize   = 4
	coffHeaderSize    = 20
	sectionHeaderSize = 40

	// offsets inside the optional header, identical for PE32 and PE32+
	checksumFieldOffset = 64

	optionalMagic32  = 0x10b
	optionalMagic32P = 0x20b

	maxSections = 96
)

type DosHeader struct {
	Magic                      uint16
	BytesOnLastPage            uint16
	PagesInFile                uint16
	Relocations                uint16
	SizeOfHeader               uint16
	MinExtra                   uint16
	MaxExtra                   uint16
	InitialSS                  uint16
	InitialSP                  uint16
	Checksum                   uint16
	InitialIP                  uint16
	InitialCS                  uint16
	FileAddressRelocationTable uint16
	Overlay                    uint16
	Reserved                   [4]uint16
	OemId                      uint16
	OemInfo                    uint16
	Reserved2                  [10]uint16
	AddressExeHeader           uint32
}

type CoffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDataStamp        uint32
	PointerSymbolTable   uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type OptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32Version            uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	Checksum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectories         [16]DataDirectory
}

type OptionalHeader32P struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32Version            uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	Checksum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectories         [16]DataDirectory
}

type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	Size                 uint32
	Offset               uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// Section is the decoded form of a section header. Size and Offset are the
// raw (file) size and file pointer.
type Section struct {
	Name                 string
	VirtualSize          uint32
	VirtualAddress       uint32
	Size                 uint32
	Offset               uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
	Entropy              float64
	rawName              [8]byte
}

// PeFile holds the headers of an image plus the image bytes it owns. Header
// structs are the source of truth for header fields; Bytes writes them back
// over the raw buffer, leaving every other byte as it was read.
type PeFile struct {
	Path           string
	DosHeader      *DosHeader
	CoffHeader     *CoffHeader
	OptionalHeader interface{}
	PeType         PeType
	Sections       []*Section
	Size           int64
	data           []byte
}

func entropy(bs []byte) float64 {
	histo := make([]int, 256)
	for _, b := range bs {
		histo[int(b)]++
	}

	size := len(bs)
	var ret float64 = 0.0

	for _, count := range histo {
		if count == 0 {
			continue
		}

		p := float64(count) / float64(size)
		ret += p * math.Log2(p)
	}

	return -ret
}

func (pe *PeFile) String() string {
	return fmt.Sprintf("{ Path: %s }", pe.Path)
}

// LoadPeFile will parse a file from disk, given a path. The file is mapped
// read only and copied, so the returned PeFile never aliases the file.
func LoadPeFile(path string) (*PeFile, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(util.ErrFileNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "getting size of file %s", path)
	}
	if info.Size() < dosHeaderSize {
		return nil, errors.Wrapf(util.ErrInvalidFormat, "%s is too small to be a PE file", path)
	}

	m, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s", path)
	}
	data := make([]byte, len(m))
	copy(data, m)
	if err := m.Unmap(); err != nil {
		return nil, errors.Wrapf(err, "unmapping %s", path)
	}

	return LoadPeBytes(data, path)
}

// LoadPeBytes will take a PE file in the form of an in memory byte array and
// parse it. The PeFile takes ownership of data.
func LoadPeBytes(data []byte, name string) (*PeFile, error) {
	pe := &PeFile{Path: name, data: data, Size: int64(len(data))}
	if err := analyzePeFile(pe); err != nil {
		return nil, err
	}
	return pe, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(util.ErrInvalidFormat, format, args...)
}

// analyzePeFile is the core parser for PE files
func analyzePeFile(pe *PeFile) error {
	data := pe.data
	if len(data) < dosHeaderSize {
		return invalid("%s: file is too small to be a PE file", pe.Path)
	}

	pe.DosHeader = &DosHeader{}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, pe.DosHeader); err != nil {
		return invalid("%s: reading dos header: %v", pe.Path, err)
	}
	if pe.DosHeader.Magic != 0x5a4d {
		return invalid("%s: missing MZ signature", pe.Path)
	}

	peOffset := int64(pe.DosHeader.AddressExeHeader)
	if peOffset < dosHeaderSize || peOffset+peSignatureSize+coffHeaderSize > int64(len(data)) {
		return invalid("%s: PE header offset 0x%x outside of file", pe.Path, peOffset)
	}
	if !bytes.Equal(data[peOffset:peOffset+peSignatureSize], []byte("PE\x00\x00")) {
		return invalid("%s: invalid PE signature", pe.Path)
	}

	pe.CoffHeader = &CoffHeader{}
	coff := bytes.NewReader(data[peOffset+peSignatureSize:])
	if err := binary.Read(coff, binary.LittleEndian, pe.CoffHeader); err != nil {
		return invalid("%s: reading coff header: %v", pe.Path, err)
	}

	optOffset := pe.optionalHeaderOffset()
	optSize := int64(pe.CoffHeader.SizeOfOptionalHeader)
	if optSize < 2 || optOffset+optSize > int64(len(data)) {
		return invalid("%s: optional header size %d inconsistent with file", pe.Path, optSize)
	}

	magic := binary.LittleEndian.Uint16(data[optOffset:])
	var fixed int64
	switch magic {
	case optionalMagic32:
		pe.PeType = Pe32
		pe.OptionalHeader = &OptionalHeader32{}
		fixed = 96
	case optionalMagic32P:
		pe.PeType = Pe32p
		pe.OptionalHeader = &OptionalHeader32P{}
		fixed = 112
	default:
		return invalid("%s: unknown optional header magic 0x%x", pe.Path, magic)
	}
	if optSize < fixed {
		return invalid("%s: optional header too small (%d bytes)", pe.Path, optSize)
	}

	// the struct always carries 16 directories, the file may carry fewer
	raw := make([]byte, binary.Size(pe.OptionalHeader))
	copy(raw, data[optOffset:optOffset+optSize])
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, pe.OptionalHeader); err != nil {
		return invalid("%s: reading optional header: %v", pe.Path, err)
	}
	if n := int64(pe.numberOfRvaAndSizes()); fixed+n*8 > optSize {
		return invalid("%s: %d data directories do not fit the optional header", pe.Path, n)
	}
	if pe.FileAlignment() == 0 || pe.SectionAlignment() == 0 {
		return invalid("%s: zero alignment", pe.Path)
	}

	count := int64(pe.CoffHeader.NumberOfSections)
	tableOffset := pe.sectionTableOffset()
	if count > maxSections || tableOffset+count*sectionHeaderSize > int64(len(data)) {
		return invalid("%s: section table with %d entries exceeds file", pe.Path, count)
	}

	pe.Sections = make([]*Section, count)
	for i := int64(0); i < count; i++ {
		temp := SectionHeader{}
		r := bytes.NewReader(data[tableOffset+i*sectionHeaderSize:])
		if err := binary.Read(r, binary.LittleEndian, &temp); err != nil {
			return invalid("%s: reading section[%d]: %v", pe.Path, i, err)
		}

		s := &Section{
			Name:                 strings.TrimRight(string(temp.Name[:]), "\x00"),
			VirtualSize:          temp.VirtualSize,
			VirtualAddress:       temp.VirtualAddress,
			Size:                 temp.Size,
			Offset:               temp.Offset,
			PointerToRelocations: temp.PointerToRelocations,
			PointerToLineNumbers: temp.PointerToLineNumbers,
			NumberOfRelocations:  temp.NumberOfRelocations,
			NumberOfLineNumbers:  temp.NumberOfLineNumbers,
			Characteristics:      temp.Characteristics,
			rawName:              temp.Name,
		}
		s.Entropy = entropy(pe.SectionData(s))
		pe.Sections[i] = s
	}

	return nil
}

func (pe *PeFile) optionalHeaderOffset() int64 {
	return int64(pe.DosHeader.AddressExeHeader) + peSignatureSize + coffHeaderSize
}

func (pe *PeFile) sectionTableOffset() int64 {
	return pe.optionalHeaderOffset() + int64(pe.CoffHeader.SizeOfOptionalHeader)
}

func (pe *PeFile) checksumOffset() int64 {
	return pe.optionalHeaderOffset() + checksumFieldOffset
}

func (pe *PeFile) dataDirectories() *[16]DataDirectory {
	if pe.PeType == Pe32 {
		return &pe.OptionalHeader.(*OptionalHeader32).DataDirectories
	}
	return &pe.OptionalHeader.(*OptionalHeader32P).DataDirectories
}

func (pe *PeFile) numberOfRvaAndSizes() int {
	var n uint32
	if pe.PeType == Pe32 {
		n = pe.OptionalHeader.(*OptionalHeader32).NumberOfRvaAndSizes
	} else {
		n = pe.OptionalHeader.(*OptionalHeader32P).NumberOfRvaAndSizes
	}
	if n > 16 {
		return 16
	}
	return int(n)
}

func (pe *PeFile) ImageBase() uint64 {
	if pe.PeType == Pe32 {
		return uint64(pe.OptionalHeader.(*OptionalHeader32).ImageBase)
	}
	return pe.OptionalHeader.(*OptionalHeader32P).ImageBase
}

func (pe *PeFile) EntryPoint() uint32 {
	if pe.PeType == Pe32 {
		return pe.OptionalHeader.(*OptionalHeader32).AddressOfEntryPoint
	}
	return pe.OptionalHeader.(*OptionalHeader32P).AddressOfEntryPoint
}

func (pe *PeFile) FileAlignment() uint32 {
	if pe.PeType == Pe32 {
		return pe.OptionalHeader.(*OptionalHeader32).FileAlignment
	}
	return pe.OptionalHeader.(*OptionalHeader32P).FileAlignment
}

func (pe *PeFile) SectionAlignment() uint32 {
	if pe.PeType == Pe32 {
		return pe.OptionalHeader.(*OptionalHeader32).SectionAlignment
	}
	return pe.OptionalHeader.(*OptionalHeader32P).SectionAlignment
}

func (pe *PeFile) SizeOfHeaders() uint32 {
	if pe.PeType == Pe32 {
		return pe.OptionalHeader.(*OptionalHeader32).SizeOfHeaders
	}
	return pe.OptionalHeader.(*OptionalHeader32P).SizeOfHeaders
}

func (pe *PeFile) SizeOfImage() uint32 {
	if pe.PeType == Pe32 {
		return pe.OptionalHeader.(*OptionalHeader32).SizeOfImage
	}
	return pe.OptionalHeader.(*OptionalHeader32P).SizeOfImage
}

func (pe *PeFile) setSizeOfImage(v uint32) {
	if pe.PeType == Pe32 {
		pe.OptionalHeader.(*OptionalHeader32).SizeOfImage = v
	} else {
		pe.OptionalHeader.(*OptionalHeader32P).SizeOfImage = v
	}
}

func (pe *PeFile) adjustInitializedData(delta int64) {
	var field *uint32
	if pe.PeType == Pe32 {
		field = &pe.OptionalHeader.(*OptionalHeader32).SizeOfInitializedData
	} else {
		field = &pe.OptionalHeader.(*OptionalHeader32P).SizeOfInitializedData
	}
	v := int64(*field) + delta
	if v < 0 {
		v = 0
	}
	if v > math.MaxUint32 {
		v = math.MaxUint32
	}
	*field = uint32(v)
}

// Checksum is the value stored in the optional header, not a recomputation.
func (pe *PeFile) Checksum() uint32 {
	if pe.PeType == Pe32 {
		return pe.OptionalHeader.(*OptionalHeader32).Checksum
	}
	return pe.OptionalHeader.(*OptionalHeader32P).Checksum
}

func (pe *PeFile) setChecksum(v uint32) {
	if pe.PeType == Pe32 {
		pe.OptionalHeader.(*OptionalHeader32).Checksum = v
	} else {
		pe.OptionalHeader.(*OptionalHeader32P).Checksum = v
	}
}

// DataDirectory returns entry i of the data directory table, or a zero entry
// when the image declares fewer directories.
func (pe *PeFile) DataDirectory(i int) DataDirectory {
	if i < 0 || i >= pe.numberOfRvaAndSizes() {
		return DataDirectory{}
	}
	return pe.dataDirectories()[i]
}

// SetDataDirectory overwrites entry i. Images whose optional header is too
// short to hold the entry cannot be extended in place.
func (pe *PeFile) SetDataDirectory(i int, dd DataDirectory) error {
	if i < 0 || i >= pe.numberOfRvaAndSizes() {
		return errors.Wrapf(util.ErrLayoutOverflow, "data directory %d not present in optional header", i)
	}
	pe.dataDirectories()[i] = dd
	return nil
}

// FindSection returns the first section called name, or nil.
func (pe *PeFile) FindSection(name string) *Section {
	for _, s := range pe.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// virtualSpan is the size a section occupies once mapped.
func (pe *PeFile) virtualSpan(s *Section) uint64 {
	size := s.VirtualSize
	if size == 0 {
		size = s.Size
	}
	return util.AlignUp64(uint64(size), uint64(pe.SectionAlignment()))
}

func (pe *PeFile) sectionByRva(rva uint32) *Section {
	for _, s := range pe.Sections {
		if uint64(rva) >= uint64(s.VirtualAddress) && uint64(rva) < uint64(s.VirtualAddress)+pe.virtualSpan(s) {
			return s
		}
	}
	return nil
}

// RvaToOffset maps a relative virtual address to a file offset. The headers
// map one to one; inside a section the mapping is a linear shift.
func (pe *PeFile) RvaToOffset(rva uint32) (uint32, error) {
	if s := pe.sectionByRva(rva); s != nil {
		return rva - s.VirtualAddress + s.Offset, nil
	}
	if rva < pe.SizeOfHeaders() {
		return rva, nil
	}
	return 0, errors.Wrapf(util.ErrOutOfRange, "rva 0x%x is not mapped by any section", rva)
}

// ReadRva returns size bytes of the file image starting at rva. The range
// must lie within the raw data of one section or of the headers.
func (pe *PeFile) ReadRva(rva, size uint32) ([]byte, error) {
	off, err := pe.RvaToOffset(rva)
	if err != nil {
		return nil, err
	}
	limit := uint64(pe.SizeOfHeaders())
	if s := pe.sectionByRva(rva); s != nil {
		limit = uint64(s.Offset) + uint64(s.Size)
	}
	if limit > uint64(len(pe.data)) {
		limit = uint64(len(pe.data))
	}
	end := uint64(off) + uint64(size)
	if end > limit {
		return nil, errors.Wrapf(util.ErrOutOfRange, "rva 0x%x size 0x%x exceeds the file data", rva, size)
	}
	return pe.data[off:end], nil
}

// SectionData returns the raw bytes of s, clipped to the end of the file.
func (pe *PeFile) SectionData(s *Section) []byte {
	start := uint64(s.Offset)
	end := start + uint64(s.Size)
	if start > uint64(len(pe.data)) {
		return nil
	}
	if end > uint64(len(pe.data)) {
		end = uint64(len(pe.data))
	}
	return pe.data[start:end]
}

// ResourceSection returns the section holding the resource directory. The
// data directory wins over the section name.
func (pe *PeFile) ResourceSection() *Section {
	if dd := pe.DataDirectory(ResourceTable); dd.VirtualAddress != 0 {
		if s := pe.sectionByRva(dd.VirtualAddress); s != nil {
			return s
		}
	}
	return pe.FindSection(".rsrc")
}

// ResourceData returns the bytes of the resource directory and its RVA. It
// returns nil when the image carries no resources.
func (pe *PeFile) ResourceData() ([]byte, uint32, error) {
	s := pe.ResourceSection()
	if s == nil {
		return nil, 0, nil
	}
	rva := s.VirtualAddress
	if dd := pe.DataDirectory(ResourceTable); dd.VirtualAddress != 0 {
		rva = dd.VirtualAddress
	}
	if uint64(s.Offset)+uint64(s.Size) > uint64(len(pe.data)) {
		return nil, 0, invalid("%s: resource section [0x%x, +0x%x) exceeds file", pe.Path, s.Offset, s.Size)
	}
	data := pe.SectionData(s)
	if off := rva - s.VirtualAddress; off < uint32(len(data)) {
		return data[off:], rva, nil
	}
	return nil, 0, errors.Wrapf(util.ErrCorruptResource, "%s: resource directory rva 0x%x has no file data", pe.Path, rva)
}

func (pe *PeFile) headerBytes() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, pe.OptionalHeader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// flush writes the header structs back over the raw image.
func (pe *PeFile) flush() error {
	coff := &bytes.Buffer{}
	if err := binary.Write(coff, binary.LittleEndian, pe.CoffHeader); err != nil {
		return err
	}
	copy(pe.data[pe.optionalHeaderOffset()-coffHeaderSize:], coff.Bytes())

	opt, err := pe.headerBytes()
	if err != nil {
		return err
	}
	n := int(pe.CoffHeader.SizeOfOptionalHeader)
	if n > len(opt) {
		n = len(opt)
	}
	copy(pe.data[pe.optionalHeaderOffset():], opt[:n])

	table := pe.sectionTableOffset()
	for i, s := range pe.Sections {
		h := SectionHeader{
			Name:                 s.rawName,
			VirtualSize:          s.VirtualSize,
			VirtualAddress:       s.VirtualAddress,
			Size:                 s.Size,
			Offset:               s.Offset,
			PointerToRelocations: s.PointerToRelocations,
			PointerToLineNumbers: s.PointerToLineNumbers,
			NumberOfRelocations:  s.NumberOfRelocations,
			NumberOfLineNumbers:  s.NumberOfLineNumbers,
			Characteristics:      s.Characteristics,
		}
		buf := &bytes.Buffer{}
		if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
			return err
		}
		copy(pe.data[table+int64(i)*sectionHeaderSize:], buf.Bytes())
	}
	return nil
}

// Bytes returns the image with all header changes applied. The slice is
// owned by the PeFile and is only valid until the next mutation.
func (pe *PeFile) Bytes() ([]byte, error) {
	if err := pe.flush(); err != nil {
		return nil, errors.Wrap(err, "writing headers")
	}
	return pe.data, nil
}
