package versioninfo

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

const (
	typeBinary = 0
	typeText   = 1

	blockHeaderSize = 6

	keyVersionInfo    = "VS_VERSION_INFO"
	keyStringFileInfo = "StringFileInfo"
	keyVarFileInfo    = "VarFileInfo"
	keyTranslation    = "Translation"
)

// block is the generic node every part of a version resource is made of:
// wLength, wValueLength, wType, a null terminated key, then the value and
// the children, each aligned to 4 bytes.
type block struct {
	key      string
	typ      uint16
	value    []byte
	valueLen int
	children []*block
}

func textBlock(key, value string) *block {
	v := util.StringToWinWChar(value, true)
	return &block{key: key, typ: typeText, value: v, valueLen: len(v) / 2}
}

// encode fails with ErrLayoutOverflow when a length does not fit its 16 bit
// field.
func (b *block) encode() ([]byte, error) {
	if b.valueLen > math.MaxUint16 {
		return nil, errors.Wrapf(util.ErrLayoutOverflow, "value of %q is %d units long", b.key, b.valueLen)
	}
	out := make([]byte, blockHeaderSize)
	out = append(out, util.StringToWinWChar(b.key, true)...)
	out = append(out, make([]byte, util.Pad4(len(out)))...)
	if len(b.value) > 0 {
		out = append(out, b.value...)
	}
	for _, c := range b.children {
		out = append(out, make([]byte, util.Pad4(len(out)))...)
		child, err := c.encode()
		if err != nil {
			return nil, errors.WithMessagef(err, "in %q", b.key)
		}
		out = append(out, child...)
	}
	if len(out) > math.MaxUint16 {
		return nil, errors.Wrapf(util.ErrLayoutOverflow, "block %q is %d bytes long", b.key, len(out))
	}
	binary.LittleEndian.PutUint16(out[0:], uint16(len(out)))
	binary.LittleEndian.PutUint16(out[2:], uint16(b.valueLen))
	binary.LittleEndian.PutUint16(out[4:], b.typ)
	return out, nil
}

// Encode serializes r as a VS_VERSIONINFO structure: the fixed info, one
// StringFileInfo with a table per language and a VarFileInfo translation
// list naming every table. Records too large for the 16 bit length fields
// fail with ErrLayoutOverflow.
func Encode(r *Record) ([]byte, error) {
	fixed := make([]byte, fixedInfoSize)
	le := binary.LittleEndian
	le.PutUint32(fixed[0:], fixedSignature)
	le.PutUint32(fixed[4:], fixedStrucVersion)
	le.PutUint32(fixed[8:], r.FileVersion.ms())
	le.PutUint32(fixed[12:], r.FileVersion.ls())
	le.PutUint32(fixed[16:], r.ProductVersion.ms())
	le.PutUint32(fixed[20:], r.ProductVersion.ls())
	le.PutUint32(fixed[24:], r.FileFlagsMask)
	le.PutUint32(fixed[28:], r.FileFlags)
	le.PutUint32(fixed[32:], r.FileOS)
	le.PutUint32(fixed[36:], r.FileType)
	le.PutUint32(fixed[40:], r.FileSubtype)
	le.PutUint32(fixed[44:], uint32(r.FileDate>>32))
	le.PutUint32(fixed[48:], uint32(r.FileDate))

	root := &block{key: keyVersionInfo, typ: typeBinary, value: fixed, valueLen: fixedInfoSize}

	sfi := &block{key: keyStringFileInfo, typ: typeText}
	for _, t := range r.Tables {
		table := &block{key: t.key(), typ: typeText}
		for _, p := range t.Strings {
			table.children = append(table.children, textBlock(p.Key, p.Value))
		}
		sfi.children = append(sfi.children, table)
	}
	root.children = append(root.children, sfi)

	translations := r.Translations()
	list := make([]byte, 4*len(translations))
	for i, tr := range translations {
		le.PutUint16(list[4*i:], tr.Lang)
		le.PutUint16(list[4*i+2:], tr.CodePage)
	}
	vfi := &block{key: keyVarFileInfo, typ: typeText}
	vfi.children = append(vfi.children, &block{
		key: keyTranslation, typ: typeBinary, value: list, valueLen: len(list),
	})
	root.children = append(root.children, vfi)

	return root.encode()
}

func corrupt(format string, args ...interface{}) error {
	return errors.Wrapf(util.ErrCorruptVersionInfo, format, args...)
}

// parseBlock reads the block at the start of b and returns it with its
// declared length.
func parseBlock(b []byte) (*block, int, error) {
	if len(b) < blockHeaderSize {
		return nil, 0, corrupt("block header truncated")
	}
	le := binary.LittleEndian
	length := int(le.Uint16(b[0:]))
	if length < blockHeaderSize || length > len(b) {
		return nil, 0, corrupt("block length %d overruns %d available bytes", length, len(b))
	}
	b = b[:length]
	blk := &block{valueLen: int(le.Uint16(b[2:])), typ: le.Uint16(b[4:])}
	if blk.typ != typeBinary && blk.typ != typeText {
		return nil, 0, corrupt("block type %d", blk.typ)
	}

	key, n, ok := util.WinWCharToString(b[blockHeaderSize:])
	if !ok {
		return nil, 0, corrupt("unterminated block key")
	}
	blk.key = key
	pos := blockHeaderSize + n
	pos += util.Pad4(pos)

	valueSize := blk.valueLen
	if blk.typ == typeText {
		valueSize *= 2
	}
	if blk.typ == typeText && pos+valueSize > length && pos <= length {
		// some compilers count bytes instead of characters
		valueSize = length - pos
	}
	if valueSize > 0 {
		if pos+valueSize > length {
			return nil, 0, corrupt("value of %q overruns its block", key)
		}
		blk.value = b[pos : pos+valueSize]
		pos += valueSize
	}

	for {
		pos += util.Pad4(pos)
		if pos >= length {
			break
		}
		child, n, err := parseBlock(b[pos:])
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "in %q", key)
		}
		blk.children = append(blk.children, child)
		pos += n
	}
	return blk, length, nil
}

func (b *block) text() string {
	s, _, _ := util.WinWCharToString(b.value)
	return s
}

// Decode parses a VS_VERSIONINFO structure produced by Encode or by a
// resource compiler. The translation list is not kept; it is rebuilt from
// the string tables on the next Encode.
func Decode(data []byte) (*Record, error) {
	root, _, err := parseBlock(data)
	if err != nil {
		return nil, err
	}
	if root.key != keyVersionInfo {
		return nil, corrupt("root key %q", root.key)
	}

	r := &Record{}
	if len(root.value) > 0 {
		if len(root.value) < fixedInfoSize {
			return nil, corrupt("fixed file info of %d bytes", len(root.value))
		}
		le := binary.LittleEndian
		v := root.value
		if le.Uint32(v[0:]) != fixedSignature {
			return nil, corrupt("fixed file info signature 0x%x", le.Uint32(v[0:]))
		}
		r.FileVersion = versionFrom(le.Uint32(v[8:]), le.Uint32(v[12:]))
		r.ProductVersion = versionFrom(le.Uint32(v[16:]), le.Uint32(v[20:]))
		r.FileFlagsMask = le.Uint32(v[24:])
		r.FileFlags = le.Uint32(v[28:])
		r.FileOS = le.Uint32(v[32:])
		r.FileType = le.Uint32(v[36:])
		r.FileSubtype = le.Uint32(v[40:])
		r.FileDate = uint64(le.Uint32(v[44:]))<<32 | uint64(le.Uint32(v[48:]))
	}

	for _, child := range root.children {
		switch child.key {
		case keyStringFileInfo:
			for _, tb := range child.children {
				t, err := decodeTable(tb)
				if err != nil {
					return nil, err
				}
				r.Tables = append(r.Tables, t)
			}
		case keyVarFileInfo:
			for _, v := range child.children {
				if v.key != keyTranslation || len(v.value)%4 != 0 {
					return nil, corrupt("unexpected %q block in %s", v.key, keyVarFileInfo)
				}
			}
		default:
			return nil, corrupt("unexpected %q block in %s", child.key, keyVersionInfo)
		}
	}
	return r, nil
}

func decodeTable(b *block) (*StringTable, error) {
	if len(b.key) != 8 {
		return nil, corrupt("string table key %q", b.key)
	}
	lang, err1 := strconv.ParseUint(b.key[:4], 16, 16)
	cp, err2 := strconv.ParseUint(b.key[4:], 16, 16)
	if err1 != nil || err2 != nil {
		return nil, corrupt("string table key %q", b.key)
	}
	t := &StringTable{Lang: uint16(lang), CodePage: uint16(cp)}
	for _, s := range b.children {
		if len(s.children) != 0 {
			return nil, corrupt("string %q has children", s.key)
		}
		t.Strings = append(t.Strings, Pair{s.key, s.text()})
	}
	return t, nil
}
