package core

import "sort"

// ChangeLog records every edit applied in a session, keyed by what was
// edited ("icon", "version" or a string name).
type ChangeLog struct {
	changes map[string][]string
}

func NewChangeLog() *ChangeLog {
	return &ChangeLog{make(map[string][]string)}
}

func (self *ChangeLog) AddChange(key, value string) {
	self.changes[key] = append(self.changes[key], value)
}

// Keys returns the edited keys in sorted order.
func (self *ChangeLog) Keys() []string {
	keys := make([]string, 0, len(self.changes))
	for k := range self.changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Last returns the final value recorded for key.
func (self *ChangeLog) Last(key string) (string, bool) {
	values := self.changes[key]
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

func (self *ChangeLog) Len() int {
	return len(self.changes)
}
