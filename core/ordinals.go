package core

import (
	"math"

	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

// OrdinalRange is a run of consecutive RT_ICON ordinals.
type OrdinalRange struct {
	First uint16
	Count uint16
}

func (r *OrdinalRange) end() int {
	return int(r.First) + int(r.Count)
}

// OrdinalManager hands out RT_ICON ordinals that do not collide with icons
// already present in the image. Ranges are kept sorted by First.
type OrdinalManager struct {
	ranges []*OrdinalRange
}

func NewOrdinalManager() *OrdinalManager {
	return &OrdinalManager{make([]*OrdinalRange, 0, 16)}
}

// Reserve marks a single ordinal as used.
func (self *OrdinalManager) Reserve(id uint16) {
	if self.Used(id) {
		return
	}
	index := len(self.ranges)
	for i, r := range self.ranges {
		if int(r.First) > int(id) {
			index = i
			break
		}
	}
	self.insert(index, id, 1)
}

// Used reports whether id falls inside an allocated range.
func (self *OrdinalManager) Used(id uint16) bool {
	for _, r := range self.ranges {
		if id >= r.First && int(id) < r.end() {
			return true
		}
	}
	return false
}

// scan finds the first gap of count ordinals, starting at 1. It returns the
// index to insert the new range at and its first ordinal.
func (self *OrdinalManager) scan(count int) (int, int) {
	next := 1
	for i, r := range self.ranges {
		if int(r.First)-next >= count {
			return i, next
		}
		if r.end() > next {
			next = r.end()
		}
	}
	return len(self.ranges), next
}

// insert without looking
func (self *OrdinalManager) insert(index int, first, count uint16) {
	entry := &OrdinalRange{first, count}
	self.ranges = append(self.ranges, nil)
	copy(self.ranges[index+1:], self.ranges[index:])
	self.ranges[index] = entry
}

// Alloc returns the first ordinal of a free run of count ordinals.
func (self *OrdinalManager) Alloc(count int) (uint16, error) {
	if count <= 0 {
		return 0, errors.Wrapf(util.ErrInvalidArgument, "allocating %d ordinals", count)
	}
	index, first := self.scan(count)
	if first+count-1 > math.MaxUint16 {
		return 0, errors.Wrapf(util.ErrLayoutOverflow, "no run of %d free icon ordinals", count)
	}
	self.insert(index, uint16(first), uint16(count))
	return uint16(first), nil
}

// Free releases the range starting at first. It returns the number of
// ordinals released.
func (self *OrdinalManager) Free(first uint16) int {
	for index, r := range self.ranges {
		if r.First == first {
			self.ranges = append(self.ranges[:index], self.ranges[index+1:]...)
			return int(r.Count)
		}
	}
	return 0
}
