// Package core is the editing session: it opens an image once, collects
// icon, version and string edits in memory and writes them back in one
// atomic commit.
package core

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/carbonblack/metaedit/icon"
	"github.com/carbonblack/metaedit/pefile"
	"github.com/carbonblack/metaedit/resources"
	"github.com/carbonblack/metaedit/util"
	"github.com/carbonblack/metaedit/versioninfo"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Keys of Apply with a meaning of their own. Every other key is a version
// string.
const (
	KeyIcon    = "icon"
	KeyVersion = "version"
)

// Option configures an Editor.
type Option func(*Editor)

// WithLogger routes the session's diagnostics to logger.
func WithLogger(logger hclog.Logger) Option {
	return func(e *Editor) {
		e.logger = logger
	}
}

// WithLanguage sets the language used for resources the image does not
// have yet. The default is U.S. English.
func WithLanguage(lang uint16) Option {
	return func(e *Editor) {
		e.lang = lang
	}
}

// versionSlot is where the version resource lives in the tree.
type versionSlot struct {
	name     resources.Identifier
	lang     uint16
	codePage uint32
}

// Editor is a single editing session. It is not safe for concurrent use.
type Editor struct {
	Path    string
	Changes *ChangeLog

	pe        *pefile.PeFile
	root      *resources.Directory
	version   *versioninfo.Record
	slot      versionSlot
	lang      uint16
	logger    hclog.Logger
	committed bool
}

// Open parses the image at path and decodes its resources and version
// information. Nothing is written until Commit.
func Open(path string, opts ...Option) (*Editor, error) {
	e := &Editor{Path: path, Changes: NewChangeLog(), lang: resources.LangEnUS}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = util.OrNull(e.logger).With("path", path)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(util.ErrFileNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	pe, err := pefile.LoadPeFile(path)
	if err != nil {
		return nil, err
	}
	e.pe = pe

	data, rva, err := pe.ResourceData()
	if err != nil {
		return nil, err
	}
	if data == nil {
		e.logger.Debug("image has no resource section")
		e.root = &resources.Directory{}
	} else {
		if e.root, err = resources.DecodeWith(data, rva, pe.ReadRva); err != nil {
			return nil, errors.WithMessagef(err, "%s", path)
		}
		e.logger.Debug("decoded resources", "rva", rva, "leaves", e.root.Count())
	}

	e.slot = versionSlot{name: resources.ID(1), lang: e.lang}
	var found *resources.Leaf
	e.root.Walk(func(typ, name resources.Identifier, lang uint16, leaf *resources.Leaf) bool {
		if typ != resources.RT_VERSION {
			return true
		}
		e.slot = versionSlot{name, lang, leaf.CodePage}
		found = leaf
		return false
	})
	if found != nil {
		if e.version, err = versioninfo.Decode(found.Data); err != nil {
			return nil, errors.WithMessagef(err, "%s", path)
		}
		e.logger.Debug("decoded version info", "name", e.slot.name, "lang", e.slot.lang, "tables", len(e.version.Tables))
	}
	return e, nil
}

func (e *Editor) check() error {
	if e.committed {
		return errors.Wrap(util.ErrInvalidState, "session already committed")
	}
	return nil
}

// PE returns the parsed image.
func (e *Editor) PE() *pefile.PeFile {
	return e.pe
}

// Resources returns the resource tree as currently edited.
func (e *Editor) Resources() *resources.Directory {
	return e.root
}

// Version returns the version record, or nil when the image has none and
// no version edit was made.
func (e *Editor) Version() *versioninfo.Record {
	return e.version
}

func (e *Editor) record() *versioninfo.Record {
	if e.version == nil {
		e.version = versioninfo.New()
	}
	return e.version
}

// SetIcon replaces the application icon with the image or .ico file at
// path.
func (e *Editor) SetIcon(path string) error {
	if err := e.check(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(util.ErrFileNotFound, "%s", path)
		}
		return errors.Wrapf(err, "reading %s", path)
	}
	set, err := icon.Load(data)
	if err != nil {
		return errors.WithMessagef(err, "%s", path)
	}
	if err := e.setIconSet(set); err != nil {
		return err
	}
	e.Changes.AddChange(KeyIcon, path)
	return nil
}

// setIconSet swaps the first icon group, and the RT_ICON entries it
// references, for set. Other groups and their icons are left alone.
func (e *Editor) setIconSet(set icon.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	ords := NewOrdinalManager()
	if icons := e.root.Lookup(resources.RT_ICON); icons != nil {
		for _, entry := range icons.Entries {
			if id, ok := entry.Ident.(resources.ID); ok {
				ords.Reserve(uint16(id))
			}
		}
	}

	name := resources.Identifier(resources.ID(1))
	lang := e.lang
	if groups := e.root.Lookup(resources.RT_GROUP_ICON); groups != nil && len(groups.Entries) > 0 {
		first := groups.Entries[0]
		name = first.Ident
		var stale []uint16
		if first.Dir != nil {
			for i, l := range first.Dir.Entries {
				if l.Leaf == nil {
					continue
				}
				if id, ok := l.Ident.(resources.ID); ok && i == 0 {
					lang = uint16(id)
				}
				ids, err := icon.GroupIDs(l.Leaf.Data)
				if err != nil {
					return errors.WithMessagef(err, "icon group %s", name)
				}
				stale = append(stale, ids...)
			}
		}
		for _, id := range stale {
			if e.root.Remove(resources.RT_ICON, resources.ID(id)) {
				ords.Free(id)
			}
		}
		e.root.Remove(resources.RT_GROUP_ICON, name)
		e.logger.Debug("replacing icon group", "name", name, "lang", lang)
	}

	first, err := ords.Alloc(len(set))
	if err != nil {
		return err
	}

	res, err := icon.ToResourcesFrom(set, first)
	if err != nil {
		return err
	}
	for _, ic := range res.Icons {
		e.logger.Trace("icon", "ordinal", ic.ID, "size", len(ic.Data))
		e.root.Set(resources.RT_ICON, resources.ID(ic.ID), lang, ic.Data, 0)
	}
	e.root.Set(resources.RT_GROUP_ICON, name, lang, res.Group, 0)
	return nil
}

// SetVersion sets the numeric file and product version and their strings.
func (e *Editor) SetVersion(version string) error {
	if err := e.check(); err != nil {
		return err
	}
	v, err := versioninfo.ParseVersion(version)
	if err != nil {
		return err
	}
	e.record().SetVersion(v)
	e.Changes.AddChange(KeyVersion, v.String())
	return nil
}

// SetString sets a version string such as CompanyName. The value is written
// into every string table, not only the first, so all languages agree. An
// image without tables gets a 0409/04B0 one.
func (e *Editor) SetString(key, value string) error {
	if err := e.check(); err != nil {
		return err
	}
	if key == "" {
		return errors.Wrap(util.ErrInvalidArgument, "empty version string name")
	}
	e.record().Set(key, value)
	e.Changes.AddChange(key, value)
	return nil
}

// Apply performs a batch of edits in key order. "icon" and "version" map to
// SetIcon and SetVersion, anything else to SetString.
func (e *Editor) Apply(edits map[string]string) error {
	keys := make([]string, 0, len(edits))
	for k := range edits {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var err error
		switch k {
		case KeyIcon:
			err = e.SetIcon(edits[k])
		case KeyVersion:
			err = e.SetVersion(edits[k])
		default:
			err = e.SetString(k, edits[k])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Commit strips the signature, rebuilds the resource section, patches the
// image and replaces the file on disk. The session cannot be used
// afterwards, whether or not Commit succeeded.
func (e *Editor) Commit() error {
	if err := e.check(); err != nil {
		return err
	}
	e.committed = true

	var version []byte
	if e.version != nil {
		var err error
		if version, err = versioninfo.Encode(e.version); err != nil {
			return err
		}
	}

	removed, err := e.pe.StripSignature()
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Warn("removed code signature, the image must be signed again", "bytes", removed)
	}

	if version != nil {
		e.root.Set(resources.RT_VERSION, e.slot.name, e.slot.lang, version, e.slot.codePage)
	}

	rva, err := e.pe.ResourceRVA()
	if err != nil {
		return err
	}
	rsrc, err := resources.Build(e.root, rva)
	if err != nil {
		return err
	}
	e.logger.Debug("built resource section", "rva", rva, "size", len(rsrc))
	if err := e.pe.ApplyResources(rsrc, e.logger); err != nil {
		return err
	}

	data, err := e.pe.Bytes()
	if err != nil {
		return err
	}
	return writeAtomic(e.Path, data)
}

// writeAtomic replaces path with data through a temporary file in the same
// directory, so a failure never leaves a partial image behind.
func writeAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".metaedit-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", name)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "syncing %s", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", name)
	}
	if err := os.Chmod(name, info.Mode().Perm()); err != nil {
		return errors.Wrapf(err, "chmod %s", name)
	}
	if err := os.Rename(name, path); err != nil {
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}

// Update opens path, applies edits and commits in one call.
func Update(path string, edits map[string]string, opts ...Option) error {
	e, err := Open(path, opts...)
	if err != nil {
		return err
	}
	if err := e.Apply(edits); err != nil {
		return err
	}
	return e.Commit()
}
