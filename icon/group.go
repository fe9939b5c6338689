package icon

import (
	"bytes"
	"encoding/binary"

	"github.com/akavel/rsrc/ico"
	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

// groupEntry is GRPICONDIRENTRY: the .ico directory entry with the image
// offset replaced by the RT_ICON ordinal.
type groupEntry struct {
	ico.IconDirEntryCommon
	ID uint16
}

var (
	groupHeaderSize = binary.Size(ico.ICONDIR{})
	groupEntrySize  = binary.Size(groupEntry{})
)

// Icon is one RT_ICON resource.
type Icon struct {
	ID   uint16
	Data []byte
}

// Resources is the resource form of a Set: the RT_GROUP_ICON directory and
// the RT_ICON payloads it references.
type Resources struct {
	Group []byte
	Icons []Icon
}

// ToResources numbers the images of set 1..N.
func ToResources(set Set) (Resources, error) {
	return ToResourcesFrom(set, 1)
}

// Validate checks that every image fits a group entry: 1 to 256 pixels on
// each side.
func (s Set) Validate() error {
	if len(s) == 0 {
		return unsupported("icon holds no images")
	}
	for i, img := range s {
		if img.Width < 1 || img.Width > 256 || img.Height < 1 || img.Height > 256 {
			return unsupported("icon image %d is %dx%d", i, img.Width, img.Height)
		}
	}
	return nil
}

// ToResourcesFrom numbers the images of set starting at first.
func ToResourcesFrom(set Set, first uint16) (Resources, error) {
	if err := set.Validate(); err != nil {
		return Resources{}, err
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, ico.ICONDIR{Reserved: 0, Type: 1, Count: uint16(len(set))}); err != nil {
		return Resources{}, errors.Wrap(err, "writing icon group header")
	}

	res := Resources{Icons: make([]Icon, 0, len(set))}
	for i, img := range set {
		id := first + uint16(i)
		entry := groupEntry{
			IconDirEntryCommon: ico.IconDirEntryCommon{
				Width:      byte(img.Width),
				Height:     byte(img.Height),
				ColorCount: img.ColorCount,
				Planes:     img.Planes,
				BitCount:   img.BitCount,
				BytesInRes: uint32(len(img.Data)),
			},
			ID: id,
		}
		if err := binary.Write(buf, binary.LittleEndian, entry); err != nil {
			return Resources{}, errors.Wrapf(err, "writing icon group entry %d", i)
		}
		res.Icons = append(res.Icons, Icon{ID: id, Data: img.Data})
	}
	res.Group = buf.Bytes()
	return res, nil
}

// GroupIDs returns the RT_ICON ordinals referenced by an RT_GROUP_ICON.
func GroupIDs(group []byte) ([]uint16, error) {
	var hdr ico.ICONDIR
	r := bytes.NewReader(group)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrapf(util.ErrCorruptResource, "icon group header: %v", err)
	}
	if hdr.Type != 1 || len(group) < groupHeaderSize+int(hdr.Count)*groupEntrySize {
		return nil, errors.Wrapf(util.ErrCorruptResource, "icon group of type %d with %d entries in %d bytes", hdr.Type, hdr.Count, len(group))
	}
	ids := make([]uint16, hdr.Count)
	for i := range ids {
		var e groupEntry
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return nil, errors.Wrapf(util.ErrCorruptResource, "icon group entry %d: %v", i, err)
		}
		ids[i] = e.ID
	}
	return ids, nil
}
