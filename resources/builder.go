package resources

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

// dataAlignment is the padding applied to names and leaf data.
const dataAlignment = 4

// arena is the flattened tree built by the first pass of Build. Offsets are
// relative to the start of the section.
type arena struct {
	dirs       []*Directory
	dirOffset  map[*Directory]uint32
	leaves     []*Leaf
	leafOffset map[*Leaf]uint32 // data entry
	dataOffset map[*Leaf]uint32 // leaf bytes
	names      []Name
	nameOffset map[Name]uint32
	size       uint64
}

func (a *arena) visit(d *Directory) {
	a.dirOffset[d] = uint32(a.size)
	a.dirs = append(a.dirs, d)
	a.size += sizeOfDirTable + uint64(len(d.Entries))*sizeOfDirEntry
	for _, e := range d.Entries {
		if n, ok := e.Ident.(Name); ok {
			if _, seen := a.nameOffset[n]; !seen {
				a.nameOffset[n] = 0
				a.names = append(a.names, n)
			}
		}
		switch {
		case e.Dir != nil:
			a.visit(e.Dir)
		case e.Leaf != nil:
			a.leaves = append(a.leaves, e.Leaf)
		}
	}
}

func (a *arena) layout() {
	for _, l := range a.leaves {
		a.leafOffset[l] = uint32(a.size)
		a.size += sizeOfDataEntry
	}
	for _, n := range a.names {
		a.nameOffset[n] = uint32(a.size)
		a.size += 2 + uint64(len(utf16.Encode([]rune(string(n)))))*2
	}
	a.size = util.AlignUp64(a.size, dataAlignment)
	for _, l := range a.leaves {
		a.dataOffset[l] = uint32(a.size)
		a.size = util.AlignUp64(a.size+uint64(len(l.Data)), dataAlignment)
	}
}

// Build serializes the tree into the contents of a resource section loaded
// at baseRVA. Directories come first in depth first order, followed by the
// data entries, the names and finally the leaf data. Equal trees always
// produce equal bytes.
func Build(root *Directory, baseRVA uint32) ([]byte, error) {
	a := &arena{
		dirOffset:  map[*Directory]uint32{},
		leafOffset: map[*Leaf]uint32{},
		dataOffset: map[*Leaf]uint32{},
		nameOffset: map[Name]uint32{},
	}
	a.visit(root)
	a.layout()
	if a.size >= highBit || uint64(baseRVA)+a.size > math.MaxUint32 {
		return nil, errors.Wrapf(util.ErrLayoutOverflow, "resource section of 0x%x bytes at rva 0x%x", a.size, baseRVA)
	}

	buf := make([]byte, a.size)
	le := binary.LittleEndian

	for _, d := range a.dirs {
		b := buf[a.dirOffset[d]:]
		le.PutUint32(b[0:], d.Characteristics)
		le.PutUint32(b[4:], d.TimeDateStamp)
		le.PutUint16(b[8:], d.MajorVersion)
		le.PutUint16(b[10:], d.MinorVersion)
		var named, ids uint16
		for i, e := range d.Entries {
			eb := b[sizeOfDirTable+i*sizeOfDirEntry:]
			switch id := e.Ident.(type) {
			case Name:
				named++
				le.PutUint32(eb[0:], highBit|a.nameOffset[id])
			case ID:
				ids++
				le.PutUint32(eb[0:], uint32(id))
			}
			if e.Dir != nil {
				le.PutUint32(eb[4:], highBit|a.dirOffset[e.Dir])
			} else {
				le.PutUint32(eb[4:], a.leafOffset[e.Leaf])
			}
		}
		le.PutUint16(b[12:], named)
		le.PutUint16(b[14:], ids)
	}

	// data entries hold section relative offsets until relocated below
	relocs := make([]uint32, 0, len(a.leaves))
	for _, l := range a.leaves {
		off := a.leafOffset[l]
		le.PutUint32(buf[off:], a.dataOffset[l])
		le.PutUint32(buf[off+4:], uint32(len(l.Data)))
		le.PutUint32(buf[off+8:], l.CodePage)
		le.PutUint32(buf[off+12:], l.Reserved)
		copy(buf[a.dataOffset[l]:], l.Data)
		relocs = append(relocs, off)
	}

	for _, n := range a.names {
		u := utf16.Encode([]rune(string(n)))
		off := a.nameOffset[n]
		le.PutUint16(buf[off:], uint16(len(u)))
		for i, c := range u {
			le.PutUint16(buf[off+2+uint32(i)*2:], c)
		}
	}

	for _, off := range relocs {
		le.PutUint32(buf[off:], le.Uint32(buf[off:])+baseRVA)
	}
	return buf, nil
}
