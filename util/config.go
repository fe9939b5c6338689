package util

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Manifest is the yaml description of a batch of edits, passed to the
// command line tool with the `-c` flag. Paths are relative to the manifest.
//
//	target: build/app.exe
//	icon: assets/app.png
//	version: 1.2.3.4
//	strings:
//	  CompanyName: Acme
//	  ProductName: Rocket
type Manifest struct {
	Target  string        `yaml:"target"`
	Icon    string        `yaml:"icon"`
	Version string        `yaml:"version"`
	Strings yaml.MapSlice `yaml:"strings"`
}

// KeyValue is a single version string, kept in manifest order.
type KeyValue struct {
	Key   string
	Value string
}

// ReadManifest parses a manifest file and resolves its relative paths
// against the manifest's directory.
func ReadManifest(path string) (conf Manifest, err error) {
	var buf []byte
	if buf, err = os.ReadFile(path); err != nil {
		return conf, errors.Wrapf(err, "reading manifest %s", path)
	}
	if err = yaml.Unmarshal(buf, &conf); err != nil {
		return conf, errors.Wrapf(ErrInvalidArgument, "parsing manifest %s: %v", path, err)
	}
	dir := filepath.Dir(path)
	if conf.Target != "" && !filepath.IsAbs(conf.Target) {
		conf.Target = filepath.Join(dir, conf.Target)
	}
	if conf.Icon != "" && !filepath.IsAbs(conf.Icon) {
		conf.Icon = filepath.Join(dir, conf.Icon)
	}
	return conf, nil
}

// StringPairs returns the manifest's version strings in file order. Scalars
// that yaml decoded as numbers or booleans are formatted back to text.
func (m Manifest) StringPairs() []KeyValue {
	pairs := make([]KeyValue, 0, len(m.Strings))
	for _, item := range m.Strings {
		pairs = append(pairs, KeyValue{
			Key:   fmt.Sprint(item.Key),
			Value: fmt.Sprint(item.Value),
		})
	}
	return pairs
}
