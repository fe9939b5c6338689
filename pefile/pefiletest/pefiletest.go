// Package pefiletest builds small synthetic PE images for tests. The images
// are structurally valid (headers, section table, data directories) but carry
// no runnable code.
package pefiletest

import (
	"encoding/binary"

	"github.com/carbonblack/metaedit/util"
)

const (
	peOffset      = 0x80
	imageBase32   = 0x400000
	imageBase64   = 0x140000000
	textFlags     = 0x60000020 // CNT_CODE | MEM_EXECUTE | MEM_READ
	dataFlags     = 0xc0000040 // CNT_INITIALIZED_DATA | MEM_READ | MEM_WRITE
	rsrcFlags     = 0x40000040 // CNT_INITIALIZED_DATA | MEM_READ
	defaultFile   = 0x200
	defaultMemory = 0x1000
)

// Section describes one section of the image. Build, when set, produces the
// raw data once the section's virtual address is known.
type Section struct {
	Name            string
	Data            []byte
	Build           func(rva uint32) []byte
	VirtualSize     uint32
	Characteristics uint32
}

// Options controls the generated image. The zero value yields a PE32+ image
// with a single .text section.
type Options struct {
	PE32             bool
	FileAlignment    uint32
	SectionAlignment uint32
	Sections         []Section
	Overlay          []byte
	Certificate      []byte
	Checksum         uint32
}

// Text returns a .text section filled with int3 bytes.
func Text(n int) Section {
	data := make([]byte, n)
	for i := range data {
		data[i] = 0xcc
	}
	return Section{Name: ".text", Data: data, Characteristics: textFlags}
}

// Data returns a writable data section filled with a repeating pattern.
func Data(name string, n int) Section {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return Section{Name: name, Data: data, Characteristics: dataFlags}
}

// Resources returns a .rsrc section whose contents are built for its address.
func Resources(build func(rva uint32) []byte) Section {
	return Section{Name: ".rsrc", Build: build, Characteristics: rsrcFlags}
}

// Build lays the sections out back to back and returns the image bytes.
func Build(opts Options) []byte {
	fa, sa := opts.FileAlignment, opts.SectionAlignment
	if fa == 0 {
		fa = defaultFile
	}
	if sa == 0 {
		sa = defaultMemory
	}
	sections := opts.Sections
	if len(sections) == 0 {
		sections = []Section{Text(0x100)}
	}

	optSize := 240
	if opts.PE32 {
		optSize = 224
	}
	tableOffset := peOffset + 4 + 20 + optSize
	// keep one spare slot in the section table
	headers := util.AlignUp(uint32(tableOffset+40*(len(sections)+1)), fa)

	type placed struct {
		sec     Section
		data    []byte
		rva     uint32
		offset  uint32
		raw     uint32
		virtual uint32
	}
	layout := make([]placed, len(sections))
	rva := util.AlignUp(headers, sa)
	offset := headers
	for i, sec := range sections {
		data := sec.Data
		if sec.Build != nil {
			data = sec.Build(rva)
		}
		virtual := sec.VirtualSize
		if virtual == 0 {
			virtual = uint32(len(data))
		}
		raw := util.AlignUp(uint32(len(data)), fa)
		layout[i] = placed{sec, data, rva, offset, raw, virtual}
		rva += util.AlignUp(virtual, sa)
		offset += raw
	}
	sizeOfImage := rva

	size := int(offset) + len(opts.Overlay)
	certOffset := 0
	if len(opts.Certificate) > 0 {
		size = int(util.AlignUp(uint32(size), 8))
		certOffset = size
		size += len(opts.Certificate)
	}
	buf := make([]byte, size)
	le := binary.LittleEndian

	// dos header and stub
	copy(buf, "MZ")
	le.PutUint16(buf[2:], 0x90)
	le.PutUint16(buf[4:], 3)
	le.PutUint32(buf[0x3c:], peOffset)
	copy(buf[0x40:], "This program cannot be run in DOS mode.\r\r\n$")

	// coff header
	copy(buf[peOffset:], "PE\x00\x00")
	coff := buf[peOffset+4:]
	if opts.PE32 {
		le.PutUint16(coff[0:], 0x14c)
		le.PutUint16(coff[18:], 0x0102)
	} else {
		le.PutUint16(coff[0:], 0x8664)
		le.PutUint16(coff[18:], 0x0022)
	}
	le.PutUint16(coff[2:], uint16(len(sections)))
	le.PutUint16(coff[16:], uint16(optSize))

	// optional header
	opt := buf[peOffset+24:]
	var dirs []byte
	if opts.PE32 {
		le.PutUint16(opt[0:], 0x10b)
		le.PutUint32(opt[28:], imageBase32)
		le.PutUint32(opt[32:], sa)
		le.PutUint32(opt[36:], fa)
		le.PutUint16(opt[40:], 6)
		le.PutUint16(opt[48:], 6)
		le.PutUint32(opt[56:], sizeOfImage)
		le.PutUint32(opt[60:], headers)
		le.PutUint32(opt[64:], opts.Checksum)
		le.PutUint16(opt[68:], 3)
		le.PutUint32(opt[72:], 0x100000)
		le.PutUint32(opt[76:], 0x1000)
		le.PutUint32(opt[80:], 0x100000)
		le.PutUint32(opt[84:], 0x1000)
		le.PutUint32(opt[92:], 16)
		dirs = opt[96:]
	} else {
		le.PutUint16(opt[0:], 0x20b)
		le.PutUint64(opt[24:], imageBase64)
		le.PutUint32(opt[32:], sa)
		le.PutUint32(opt[36:], fa)
		le.PutUint16(opt[40:], 6)
		le.PutUint16(opt[48:], 6)
		le.PutUint32(opt[56:], sizeOfImage)
		le.PutUint32(opt[60:], headers)
		le.PutUint32(opt[64:], opts.Checksum)
		le.PutUint16(opt[68:], 3)
		le.PutUint64(opt[72:], 0x100000)
		le.PutUint64(opt[80:], 0x1000)
		le.PutUint64(opt[88:], 0x100000)
		le.PutUint64(opt[96:], 0x1000)
		le.PutUint32(opt[108:], 16)
		dirs = opt[112:]
	}
	le.PutUint32(opt[16:], layout[0].rva)
	le.PutUint32(opt[20:], layout[0].rva)

	for i, p := range layout {
		h := buf[tableOffset+40*i:]
		copy(h[0:8], p.sec.Name)
		le.PutUint32(h[8:], p.virtual)
		le.PutUint32(h[12:], p.rva)
		le.PutUint32(h[16:], p.raw)
		le.PutUint32(h[20:], p.offset)
		le.PutUint32(h[36:], p.sec.Characteristics)
		copy(buf[p.offset:], p.data)

		switch p.sec.Name {
		case ".rsrc":
			le.PutUint32(dirs[2*8:], p.rva)
			le.PutUint32(dirs[2*8+4:], uint32(len(p.data)))
		case ".reloc":
			le.PutUint32(dirs[5*8:], p.rva)
			le.PutUint32(dirs[5*8+4:], uint32(len(p.data)))
		}
	}

	copy(buf[offset:], opts.Overlay)
	if certOffset > 0 {
		copy(buf[certOffset:], opts.Certificate)
		le.PutUint32(dirs[4*8:], uint32(certOffset))
		le.PutUint32(dirs[4*8+4:], uint32(len(opts.Certificate)))
	}
	return buf
}

// Certificate returns a fake WIN_CERTIFICATE blob of n bytes (n >= 8).
func Certificate(n int) []byte {
	blob := make([]byte, n)
	binary.LittleEndian.PutUint32(blob[0:], uint32(n))
	binary.LittleEndian.PutUint16(blob[4:], 0x0200)
	binary.LittleEndian.PutUint16(blob[6:], 0x0002)
	for i := 8; i < n; i++ {
		blob[i] = byte(0x30 + i%10)
	}
	return blob
}
