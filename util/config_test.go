package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadManifest(t *testing.T) {
	path := writeManifest(t, `
target: bin/app.exe
icon: /abs/app.png
version: 1.2.3.4
strings:
  ProductName: Rocket
  CompanyName: Acme
  Build: 42
  Beta: true
`)
	conf, err := ReadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Dir(path)
	if conf.Target != filepath.Join(dir, "bin", "app.exe") {
		t.Errorf("target %q not resolved against %q", conf.Target, dir)
	}
	if conf.Icon != "/abs/app.png" {
		t.Errorf("absolute icon path changed to %q", conf.Icon)
	}
	if conf.Version != "1.2.3.4" {
		t.Errorf("version = %q", conf.Version)
	}

	want := []KeyValue{
		{"ProductName", "Rocket"},
		{"CompanyName", "Acme"},
		{"Build", "42"},
		{"Beta", "true"},
	}
	got := conf.StringPairs()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pair %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReadManifestErrors(t *testing.T) {
	if _, err := ReadManifest(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected an error for a missing manifest")
	}
	path := writeManifest(t, "strings: [unclosed\n")
	if _, err := ReadManifest(path); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad yaml: %v", err)
	}
}
