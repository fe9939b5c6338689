// Package resources decodes, edits and re-serializes the resource directory
// of a PE image.
package resources

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

const (
	sizeOfDirTable  = 16
	sizeOfDirEntry  = 8
	sizeOfDataEntry = 16

	// type, name and language
	maxDepth = 3

	highBit = 0x80000000
)

// Directory is one resource directory table. Entries are kept sorted: names
// first in code point order, then IDs ascending.
type Directory struct {
	Characteristics uint32
	TimeDateStamp   uint32
	MajorVersion    uint16
	MinorVersion    uint16
	Entries         []*Entry
}

// Entry points to exactly one of a subdirectory or a leaf.
type Entry struct {
	Ident Identifier
	Dir   *Directory
	Leaf  *Leaf
}

// Leaf is a resource data entry together with the bytes it describes.
type Leaf struct {
	Data     []byte
	CodePage uint32
	Reserved uint32
}

func corrupt(format string, args ...interface{}) error {
	return errors.Wrapf(util.ErrCorruptResource, format, args...)
}

// Resolver returns size bytes of the image at rva. Decode uses it for data
// entries that point outside the resource section.
type Resolver func(rva, size uint32) ([]byte, error)

type decoder struct {
	section []byte
	baseRVA uint32
	resolve Resolver
	visited map[uint32]bool
}

// Decode parses the resource directory in section, the bytes starting at the
// root table. Data entries hold RVAs, baseRVA is the RVA of section[0]. Leaf
// data is copied out of section.
func Decode(section []byte, baseRVA uint32) (*Directory, error) {
	return DecodeWith(section, baseRVA, nil)
}

// DecodeWith is Decode for images that keep resource data in other
// sections: leaves outside section are read through resolve.
func DecodeWith(section []byte, baseRVA uint32, resolve Resolver) (*Directory, error) {
	d := &decoder{section: section, baseRVA: baseRVA, resolve: resolve, visited: map[uint32]bool{}}
	return d.directory(0, 1)
}

func (d *decoder) directory(offset uint32, depth int) (*Directory, error) {
	if depth > maxDepth {
		return nil, corrupt("directory at 0x%x nested deeper than %d levels", offset, maxDepth)
	}
	if d.visited[offset] {
		return nil, corrupt("directory at 0x%x referenced twice", offset)
	}
	d.visited[offset] = true

	if uint64(offset)+sizeOfDirTable > uint64(len(d.section)) {
		return nil, corrupt("directory table at 0x%x outside of section", offset)
	}
	b := d.section[offset:]
	dir := &Directory{
		Characteristics: binary.LittleEndian.Uint32(b[0:]),
		TimeDateStamp:   binary.LittleEndian.Uint32(b[4:]),
		MajorVersion:    binary.LittleEndian.Uint16(b[8:]),
		MinorVersion:    binary.LittleEndian.Uint16(b[10:]),
	}
	count := uint64(binary.LittleEndian.Uint16(b[12:])) + uint64(binary.LittleEndian.Uint16(b[14:]))
	start := uint64(offset) + sizeOfDirTable
	if start+count*sizeOfDirEntry > uint64(len(d.section)) {
		return nil, corrupt("%d entries of directory at 0x%x outside of section", count, offset)
	}

	for i := uint64(0); i < count; i++ {
		e := d.section[start+i*sizeOfDirEntry:]
		nameField := binary.LittleEndian.Uint32(e[0:])
		dataField := binary.LittleEndian.Uint32(e[4:])

		entry := &Entry{}
		if nameField&highBit != 0 {
			name, err := d.name(nameField &^ highBit)
			if err != nil {
				return nil, err
			}
			entry.Ident = name
		} else {
			if nameField > 0xffff {
				return nil, corrupt("entry id 0x%x of directory at 0x%x", nameField, offset)
			}
			entry.Ident = ID(nameField)
		}

		var err error
		if dataField&highBit != 0 {
			entry.Dir, err = d.directory(dataField&^highBit, depth+1)
		} else {
			entry.Leaf, err = d.leaf(dataField)
		}
		if err != nil {
			return nil, err
		}
		dir.Entries = append(dir.Entries, entry)
	}
	sort.SliceStable(dir.Entries, func(i, j int) bool {
		return lessThan(dir.Entries[i].Ident, dir.Entries[j].Ident)
	})
	return dir, nil
}

// name reads a length prefixed UTF-16 string.
func (d *decoder) name(offset uint32) (Name, error) {
	if uint64(offset)+2 > uint64(len(d.section)) {
		return "", corrupt("name at 0x%x outside of section", offset)
	}
	n := uint64(binary.LittleEndian.Uint16(d.section[offset:]))
	start := uint64(offset) + 2
	if start+n*2 > uint64(len(d.section)) {
		return "", corrupt("name at 0x%x of %d characters outside of section", offset, n)
	}
	u := make([]uint16, n)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(d.section[start+uint64(i)*2:])
	}
	return Name(utf16.Decode(u)), nil
}

func (d *decoder) leaf(offset uint32) (*Leaf, error) {
	if uint64(offset)+sizeOfDataEntry > uint64(len(d.section)) {
		return nil, corrupt("data entry at 0x%x outside of section", offset)
	}
	b := d.section[offset:]
	rva := binary.LittleEndian.Uint32(b[0:])
	size := binary.LittleEndian.Uint32(b[4:])
	var data []byte
	if rva >= d.baseRVA && uint64(rva-d.baseRVA)+uint64(size) <= uint64(len(d.section)) {
		data = make([]byte, size)
		copy(data, d.section[rva-d.baseRVA:])
	} else {
		if d.resolve == nil {
			return nil, corrupt("data at rva 0x%x size 0x%x outside of section", rva, size)
		}
		raw, err := d.resolve(rva, size)
		if err != nil {
			return nil, corrupt("data at rva 0x%x size 0x%x: %v", rva, size, err)
		}
		if uint64(len(raw)) != uint64(size) {
			return nil, corrupt("data at rva 0x%x: read %d of %d bytes", rva, len(raw), size)
		}
		data = make([]byte, size)
		copy(data, raw)
	}
	return &Leaf{
		Data:     data,
		CodePage: binary.LittleEndian.Uint32(b[8:]),
		Reserved: binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

// index returns the position of id in d.Entries, or where it would be
// inserted.
func (d *Directory) index(id Identifier) (int, bool) {
	i := sort.Search(len(d.Entries), func(i int) bool {
		return !lessThan(d.Entries[i].Ident, id)
	})
	return i, i < len(d.Entries) && same(d.Entries[i].Ident, id)
}

// Child returns the entry called id, or nil.
func (d *Directory) Child(id Identifier) *Entry {
	if i, ok := d.index(id); ok {
		return d.Entries[i]
	}
	return nil
}

func (d *Directory) insert(e *Entry) {
	i, ok := d.index(e.Ident)
	if ok {
		d.Entries[i] = e
		return
	}
	d.Entries = append(d.Entries, nil)
	copy(d.Entries[i+1:], d.Entries[i:])
	d.Entries[i] = e
}

// subdir returns the subdirectory called id, creating it when needed. A
// leaf in its place is replaced.
func (d *Directory) subdir(id Identifier) *Directory {
	if e := d.Child(id); e != nil && e.Dir != nil {
		return e.Dir
	}
	sub := &Directory{}
	d.insert(&Entry{Ident: id, Dir: sub})
	return sub
}

// Set stores data as resource typ/name/lang, creating missing directories
// and replacing any previous leaf. The tree takes ownership of data.
func (d *Directory) Set(typ, name Identifier, lang uint16, data []byte, codePage uint32) {
	names := d.subdir(typ).subdir(name)
	names.insert(&Entry{Ident: ID(lang), Leaf: &Leaf{Data: data, CodePage: codePage}})
}

// Get returns the leaf stored as typ/name/lang, or nil.
func (d *Directory) Get(typ, name Identifier, lang uint16) *Leaf {
	names := d.Lookup(typ, name)
	if names == nil {
		return nil
	}
	if e := names.Child(ID(lang)); e != nil {
		return e.Leaf
	}
	return nil
}

// Lookup follows path from d and returns the directory it ends on, or nil.
func (d *Directory) Lookup(path ...Identifier) *Directory {
	cur := d
	for _, id := range path {
		e := cur.Child(id)
		if e == nil || e.Dir == nil {
			return nil
		}
		cur = e.Dir
	}
	return cur
}

// Remove deletes every language of resource typ/name. The type directory
// is dropped once it is empty. It reports whether anything was removed.
func (d *Directory) Remove(typ, name Identifier) bool {
	types := d.Lookup(typ)
	if types == nil {
		return false
	}
	i, ok := types.index(name)
	if !ok {
		return false
	}
	types.Entries = append(types.Entries[:i], types.Entries[i+1:]...)
	if len(types.Entries) == 0 {
		j, _ := d.index(typ)
		d.Entries = append(d.Entries[:j], d.Entries[j+1:]...)
	}
	return true
}

// Walk calls fn for every leaf at type/name/language depth, in directory
// order, until fn returns false.
func (d *Directory) Walk(fn func(typ, name Identifier, lang uint16, leaf *Leaf) bool) {
	for _, t := range d.Entries {
		if t.Dir == nil {
			continue
		}
		for _, n := range t.Dir.Entries {
			if n.Dir == nil {
				continue
			}
			for _, l := range n.Dir.Entries {
				id, ok := l.Ident.(ID)
				if !ok || l.Leaf == nil {
					continue
				}
				if !fn(t.Ident, n.Ident, uint16(id), l.Leaf) {
					return
				}
			}
		}
	}
}

// Count returns the number of leaves in the tree, at any depth.
func (d *Directory) Count() int {
	n := 0
	for _, e := range d.Entries {
		if e.Dir != nil {
			n += e.Dir.Count()
		} else if e.Leaf != nil {
			n++
		}
	}
	return n
}
