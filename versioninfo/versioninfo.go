// Package versioninfo encodes and decodes VS_VERSIONINFO resources.
package versioninfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

const (
	fixedSignature    = 0xfeef04bd
	fixedStrucVersion = 0x00010000
	fixedInfoSize     = 52

	vsFFIFileFlagsMask = 0x3f
	vosNTWindows32     = 0x40004
	vftApp             = 1

	// DefaultLang and DefaultCodePage identify the string table created when
	// a record has none: U.S. English, Unicode.
	DefaultLang     = 0x0409
	DefaultCodePage = 0x04b0
)

// Version is a four part version number, most significant part first.
type Version [4]uint16

// ParseVersion reads "1", "1.2", "1.2.3" or "1.2.3.4". Missing parts are zero.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) > 4 {
		return v, errors.Wrapf(util.ErrInvalidArgument, "version %q has more than 4 parts", s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return v, errors.Wrapf(util.ErrInvalidArgument, "version %q: part %q is not a number in 0-65535", s, p)
		}
		v[i] = uint16(n)
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

func (v Version) ms() uint32 { return uint32(v[0])<<16 | uint32(v[1]) }
func (v Version) ls() uint32 { return uint32(v[2])<<16 | uint32(v[3]) }

func versionFrom(ms, ls uint32) Version {
	return Version{uint16(ms >> 16), uint16(ms), uint16(ls >> 16), uint16(ls)}
}

// Pair is one key/value string of a string table.
type Pair struct {
	Key   string
	Value string
}

// StringTable holds the strings for one language and code page.
type StringTable struct {
	Lang     uint16
	CodePage uint16
	Strings  []Pair
}

func (t *StringTable) key() string {
	return fmt.Sprintf("%04x%04x", t.Lang, t.CodePage)
}

// Get returns the value stored for key.
func (t *StringTable) Get(key string) (string, bool) {
	for _, p := range t.Strings {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Set replaces the value of key in place, or appends it.
func (t *StringTable) Set(key, value string) {
	for i := range t.Strings {
		if t.Strings[i].Key == key {
			t.Strings[i].Value = value
			return
		}
	}
	t.Strings = append(t.Strings, Pair{key, value})
}

// Translation is one entry of the VarFileInfo translation list.
type Translation struct {
	Lang     uint16
	CodePage uint16
}

// Record is a decoded version resource. The fixed fields mirror
// VS_FIXEDFILEINFO; the translation list is derived from Tables.
type Record struct {
	FileVersion    Version
	ProductVersion Version
	FileFlagsMask  uint32
	FileFlags      uint32
	FileOS         uint32
	FileType       uint32
	FileSubtype    uint32
	FileDate       uint64
	Tables         []*StringTable
}

// New returns an empty record for an application.
func New() *Record {
	return &Record{
		FileFlagsMask: vsFFIFileFlagsMask,
		FileOS:        vosNTWindows32,
		FileType:      vftApp,
	}
}

// Table returns the string table for lang and codePage, or nil.
func (r *Record) Table(lang, codePage uint16) *StringTable {
	for _, t := range r.Tables {
		if t.Lang == lang && t.CodePage == codePage {
			return t
		}
	}
	return nil
}

// AddTable returns the table for lang and codePage, appending an empty one
// when it does not exist yet.
func (r *Record) AddTable(lang, codePage uint16) *StringTable {
	if t := r.Table(lang, codePage); t != nil {
		return t
	}
	t := &StringTable{Lang: lang, CodePage: codePage}
	r.Tables = append(r.Tables, t)
	return t
}

// Set writes key into every string table, creating the default table when
// there is none.
func (r *Record) Set(key, value string) {
	if len(r.Tables) == 0 {
		r.AddTable(DefaultLang, DefaultCodePage)
	}
	for _, t := range r.Tables {
		t.Set(key, value)
	}
}

// Lookup returns the first value stored for key.
func (r *Record) Lookup(key string) (string, bool) {
	for _, t := range r.Tables {
		if v, ok := t.Get(key); ok {
			return v, true
		}
	}
	return "", false
}

// SetVersion sets both numeric versions and the matching strings.
func (r *Record) SetVersion(v Version) {
	r.FileVersion = v
	r.ProductVersion = v
	r.Set("FileVersion", v.String())
	r.Set("ProductVersion", v.String())
}

// Translations lists the (language, code page) pair of every table.
func (r *Record) Translations() []Translation {
	out := make([]Translation, 0, len(r.Tables))
	for _, t := range r.Tables {
		out = append(out, Translation{t.Lang, t.CodePage})
	}
	return out
}
