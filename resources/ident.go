package resources

import (
	"fmt"
	"strconv"
)

// Identifier names a resource directory entry. It is either an ID or a Name.
type Identifier interface {
	fmt.Stringer
	isIdentifier()
}

// ID is a numeric resource identifier.
type ID uint16

// Name is a string resource identifier.
type Name string

func (ID) isIdentifier()   {}
func (Name) isIdentifier() {}

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

func (n Name) String() string {
	return strconv.Quote(string(n))
}

// Standard resource types.
const (
	RT_CURSOR       ID = 1
	RT_BITMAP       ID = 2
	RT_ICON         ID = 3
	RT_MENU         ID = 4
	RT_DIALOG       ID = 5
	RT_STRING       ID = 6
	RT_FONTDIR      ID = 7
	RT_FONT         ID = 8
	RT_ACCELERATOR  ID = 9
	RT_RCDATA       ID = 10
	RT_MESSAGETABLE ID = 11
	RT_GROUP_CURSOR ID = 12
	RT_GROUP_ICON   ID = 14
	RT_VERSION      ID = 16
	RT_PLUGPLAY     ID = 19
	RT_VXD          ID = 20
	RT_ANICURSOR    ID = 21
	RT_ANIICON      ID = 22
	RT_HTML         ID = 23
	RT_MANIFEST     ID = 24
)

// LangEnUS is the language the editor writes new resources with.
const LangEnUS = 0x0409

var typeNames = map[ID]string{
	RT_CURSOR:       "RT_CURSOR",
	RT_BITMAP:       "RT_BITMAP",
	RT_ICON:         "RT_ICON",
	RT_MENU:         "RT_MENU",
	RT_DIALOG:       "RT_DIALOG",
	RT_STRING:       "RT_STRING",
	RT_FONTDIR:      "RT_FONTDIR",
	RT_FONT:         "RT_FONT",
	RT_ACCELERATOR:  "RT_ACCELERATOR",
	RT_RCDATA:       "RT_RCDATA",
	RT_MESSAGETABLE: "RT_MESSAGETABLE",
	RT_GROUP_CURSOR: "RT_GROUP_CURSOR",
	RT_GROUP_ICON:   "RT_GROUP_ICON",
	RT_VERSION:      "RT_VERSION",
	RT_PLUGPLAY:     "RT_PLUGPLAY",
	RT_VXD:          "RT_VXD",
	RT_ANICURSOR:    "RT_ANICURSOR",
	RT_ANIICON:      "RT_ANIICON",
	RT_HTML:         "RT_HTML",
	RT_MANIFEST:     "RT_MANIFEST",
}

// TypeName returns the symbolic name of a standard resource type.
func TypeName(typ Identifier) string {
	if id, ok := typ.(ID); ok {
		if s, ok := typeNames[id]; ok {
			return s
		}
	}
	return typ.String()
}

// lessThan orders names before IDs, names in code point order and IDs
// ascending.
func lessThan(a, b Identifier) bool {
	switch a := a.(type) {
	case Name:
		if b, ok := b.(Name); ok {
			return a < b
		}
		return true
	case ID:
		if b, ok := b.(ID); ok {
			return a < b
		}
	}
	return false
}

func same(a, b Identifier) bool {
	return !lessThan(a, b) && !lessThan(b, a)
}
