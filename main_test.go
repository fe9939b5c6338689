package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carbonblack/metaedit/core"
	"github.com/carbonblack/metaedit/pefile/pefiletest"
	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

func testImage(t *testing.T) string {
	t.Helper()
	data := pefiletest.Build(pefiletest.Options{
		Sections: []pefiletest.Section{
			pefiletest.Text(0x400),
			pefiletest.Data(".data", 0x200),
		},
	})
	path := filepath.Join(t.TempDir(), "app.exe")
	if err := os.WriteFile(path, data, 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func noInput() io.ReadCloser {
	return io.NopCloser(strings.NewReader(""))
}

func versionString(t *testing.T, path, key string) string {
	t.Helper()
	e, err := core.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if e.Version() == nil {
		t.Fatalf("%s has no version information", path)
	}
	v, _ := e.Version().Lookup(key)
	return v
}

func TestStringFlags(t *testing.T) {
	var s stringFlags
	if err := s.Set("CompanyName=Acme=Inc"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("Comments="); err != nil {
		t.Fatal(err)
	}
	if len(s) != 2 || s[0].Key != "CompanyName" || s[0].Value != "Acme=Inc" || s[1].Value != "" {
		t.Errorf("unexpected flags %v", s)
	}
	if s.String() != "CompanyName=Acme=Inc,Comments=" {
		t.Errorf("String() = %q", s.String())
	}
	for _, bad := range []string{"=x", "novalue"} {
		if err := s.Set(bad); !errors.Is(err, util.ErrInvalidArgument) {
			t.Errorf("Set(%q) = %v", bad, err)
		}
	}
}

func TestRunFlags(t *testing.T) {
	path := testImage(t)
	out := &bytes.Buffer{}
	args := []string{"-company", "Acme", "-version", "2.1", "-s", "Comments=hello world", path}
	if err := run(args, noInput(), out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "updated "+path) {
		t.Errorf("missing summary in %q", out.String())
	}
	if v := versionString(t, path, "CompanyName"); v != "Acme" {
		t.Errorf("CompanyName = %q", v)
	}
	if v := versionString(t, path, "Comments"); v != "hello world" {
		t.Errorf("Comments = %q", v)
	}
	if v := versionString(t, path, "FileVersion"); v != "2.1.0.0" {
		t.Errorf("FileVersion = %q", v)
	}
}

func TestRunNothingToChange(t *testing.T) {
	path := testImage(t)
	before, _ := os.ReadFile(path)
	out := &bytes.Buffer{}
	if err := run([]string{path}, noInput(), out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "nothing to change") {
		t.Errorf("unexpected output %q", out.String())
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("file was rewritten")
	}
}

func TestRunListing(t *testing.T) {
	path := testImage(t)
	out := &bytes.Buffer{}
	if err := run([]string{"-sections", path}, noInput(), out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "2 sections") || !strings.Contains(out.String(), ".text") {
		t.Errorf("unexpected section listing %q", out.String())
	}

	out.Reset()
	if err := run([]string{"-res", path}, noInput(), out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no resources") {
		t.Errorf("unexpected resource listing %q", out.String())
	}

	if err := run([]string{"-product", "Rocket", path}, noInput(), io.Discard); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := run([]string{"-res", path}, noInput(), out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"RT_VERSION", "ProductName = Rocket"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in %q", want, out.String())
		}
	}
}

func TestRunManifest(t *testing.T) {
	path := testImage(t)
	manifest := filepath.Join(filepath.Dir(path), "edit.yaml")
	conf := "target: app.exe\nversion: 3.0.0.7\nstrings:\n  CompanyName: FromManifest\n  ProductName: Rocket\n"
	if err := os.WriteFile(manifest, []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}
	// flags win over the manifest
	if err := run([]string{"-c", manifest, "-company", "FromFlag"}, noInput(), io.Discard); err != nil {
		t.Fatal(err)
	}
	if v := versionString(t, path, "CompanyName"); v != "FromFlag" {
		t.Errorf("CompanyName = %q", v)
	}
	if v := versionString(t, path, "ProductName"); v != "Rocket" {
		t.Errorf("ProductName = %q", v)
	}
	if v := versionString(t, path, "ProductVersion"); v != "3.0.0.7" {
		t.Errorf("ProductVersion = %q", v)
	}
}

func TestRunErrors(t *testing.T) {
	if err := run(nil, noInput(), io.Discard); !errors.Is(err, util.ErrInvalidArgument) {
		t.Errorf("no target: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "missing.exe")
	if err := run([]string{"-company", "x", missing}, noInput(), io.Discard); !errors.Is(err, util.ErrFileNotFound) {
		t.Errorf("missing target: %v", err)
	}
	if err := run([]string{"-version", "1.2.3.4.5", testImage(t)}, noInput(), io.Discard); !errors.Is(err, util.ErrInvalidArgument) {
		t.Errorf("bad version: %v", err)
	}
}

func TestExecCommand(t *testing.T) {
	path := testImage(t)
	e, err := core.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	out := &bytes.Buffer{}
	steps := []struct {
		line string
		done bool
	}{
		{"", false},
		{"set CompanyName Acme Widgets", false},
		{"version 1.2.3.4", false},
		{"show version", false},
		{"show changes", false},
		{"bogus", false},
		{"commit", true},
	}
	for _, step := range steps {
		done, err := execCommand(e, strings.Fields(step.line), out)
		if err != nil {
			t.Fatalf("%q: %v", step.line, err)
		}
		if done != step.done {
			t.Errorf("%q: done = %v", step.line, done)
		}
	}
	for _, want := range []string{"CompanyName = Acme Widgets", "FileVersion    1.2.3.4", "commands:", "updated " + path} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q in output", want)
		}
	}
	if v := versionString(t, path, "CompanyName"); v != "Acme Widgets" {
		t.Errorf("CompanyName = %q", v)
	}

	if done, err := execCommand(e, []string{"set", "Comments", "late"}, out); done || !errors.Is(err, util.ErrInvalidState) {
		t.Errorf("edit after commit: %v %v", done, err)
	}
}

func TestExecCommandQuit(t *testing.T) {
	path := testImage(t)
	before, _ := os.ReadFile(path)
	e, err := core.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := execCommand(e, []string{"set", "CompanyName", "Acme"}, io.Discard); err != nil {
		t.Fatal(err)
	}
	done, err := execCommand(e, []string{"quit"}, io.Discard)
	if !done || err != nil {
		t.Fatalf("quit: %v %v", done, err)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("quit wrote the file")
	}
}
