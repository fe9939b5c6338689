package pefile

import (
	"bytes"
	"debug/pe"
	"os"
	"path/filepath"
	"testing"

	"github.com/carbonblack/metaedit/pefile/pefiletest"
	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

func load(t *testing.T, img []byte) *PeFile {
	t.Helper()
	f, err := LoadPeBytes(img, t.Name())
	if err != nil {
		t.Fatalf("error loading image: %v", err)
	}
	return f
}

func TestLoadPeBytes(t *testing.T) {
	tests := []struct {
		name   string
		pe32   bool
		peType PeType
		base   uint64
	}{
		{"pe32", true, Pe32, 0x400000},
		{"pe32+", false, Pe32p, 0x140000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := pefiletest.Build(pefiletest.Options{
				PE32:     tt.pe32,
				Sections: []pefiletest.Section{pefiletest.Text(0x300), pefiletest.Data(".data", 0x80)},
			})
			f := load(t, img)
			if f.PeType != tt.peType {
				t.Errorf("PeType = %v, want %v", f.PeType, tt.peType)
			}
			if f.ImageBase() != tt.base {
				t.Errorf("ImageBase = 0x%x, want 0x%x", f.ImageBase(), tt.base)
			}
			if len(f.Sections) != 2 || f.Sections[0].Name != ".text" || f.Sections[1].Name != ".data" {
				t.Fatalf("unexpected sections %+v", f.Sections)
			}
			if f.EntryPoint() != f.Sections[0].VirtualAddress {
				t.Errorf("EntryPoint = 0x%x, want 0x%x", f.EntryPoint(), f.Sections[0].VirtualAddress)
			}

			std, err := pe.NewFile(bytes.NewReader(img))
			if err != nil {
				t.Fatalf("debug/pe rejected fixture: %v", err)
			}
			for i, s := range std.Sections {
				if s.Offset != f.Sections[i].Offset || s.VirtualAddress != f.Sections[i].VirtualAddress {
					t.Errorf("section %s mismatch with debug/pe", s.Name)
				}
			}

			out, err := f.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out, img) {
				t.Error("re-serializing an untouched image changed it")
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	good := pefiletest.Build(pefiletest.Options{})
	corrupt := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", good[:32]},
		{"no mz", corrupt(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"lfanew past end", corrupt(func(b []byte) []byte { b[0x3c] = 0xff; b[0x3d] = 0xff; b[0x3e] = 0xff; return b })},
		{"no pe signature", corrupt(func(b []byte) []byte { b[0x81] = 'X'; return b })},
		{"bad magic", corrupt(func(b []byte) []byte { b[0x80+24] = 0x55; return b })},
		{"section table past end", corrupt(func(b []byte) []byte { b[0x80+6] = 0xff; return b[:0x200] })},
		{"truncated headers", good[:0x90]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPeBytes(tt.data, tt.name)
			if !errors.Is(err, util.ErrInvalidFormat) {
				t.Errorf("err = %v, want ErrInvalidFormat", err)
			}
		})
	}
}

func TestLoadPeFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadPeFile(filepath.Join(dir, "missing.exe")); !errors.Is(err, util.ErrFileNotFound) {
		t.Errorf("missing file: err = %v, want ErrFileNotFound", err)
	}

	img := pefiletest.Build(pefiletest.Options{})
	path := filepath.Join(dir, "app.exe")
	if err := os.WriteFile(path, img, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := LoadPeFile(path)
	if err != nil {
		t.Fatalf("error loading %s: %v", path, err)
	}
	if f.Size != int64(len(img)) {
		t.Errorf("Size = %d, want %d", f.Size, len(img))
	}
	if f.FindSection(".text") == nil {
		t.Error("no .text section")
	}
	if f.FindSection(".nope") != nil {
		t.Error("found a section that does not exist")
	}
}

func TestRvaToOffset(t *testing.T) {
	f := load(t, pefiletest.Build(pefiletest.Options{
		Sections: []pefiletest.Section{pefiletest.Text(0x300), pefiletest.Data(".data", 0x80)},
	}))
	text, data := f.Sections[0], f.Sections[1]

	tests := []struct {
		rva    uint32
		offset uint32
	}{
		{0x10, 0x10},
		{text.VirtualAddress, text.Offset},
		{text.VirtualAddress + 0x123, text.Offset + 0x123},
		{data.VirtualAddress + 4, data.Offset + 4},
	}
	for _, tt := range tests {
		got, err := f.RvaToOffset(tt.rva)
		if err != nil {
			t.Errorf("RvaToOffset(0x%x): %v", tt.rva, err)
			continue
		}
		if got != tt.offset {
			t.Errorf("RvaToOffset(0x%x) = 0x%x, want 0x%x", tt.rva, got, tt.offset)
		}
	}

	for _, rva := range []uint32{f.SizeOfHeaders() + 0x10, f.SizeOfImage() + 0x1000} {
		if _, err := f.RvaToOffset(rva); !errors.Is(err, util.ErrOutOfRange) {
			t.Errorf("RvaToOffset(0x%x): err = %v, want ErrOutOfRange", rva, err)
		}
	}
}

func TestReadRva(t *testing.T) {
	f := load(t, pefiletest.Build(pefiletest.Options{
		Sections: []pefiletest.Section{pefiletest.Text(0x300), pefiletest.Data(".data", 0x80)},
	}))
	data := f.Sections[1]

	got, err := f.ReadRva(data.VirtualAddress+4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Errorf("ReadRva = %v", got)
	}
	if got, err := f.ReadRva(0, 2); err != nil || string(got) != "MZ" {
		t.Errorf("ReadRva(headers) = %q, %v", got, err)
	}

	for _, tt := range []struct{ rva, size uint32 }{
		{data.VirtualAddress + data.Size - 0x10, 0x20},
		{f.SizeOfImage() + 0x1000, 4},
	} {
		if _, err := f.ReadRva(tt.rva, tt.size); !errors.Is(err, util.ErrOutOfRange) {
			t.Errorf("ReadRva(0x%x, 0x%x): err = %v, want ErrOutOfRange", tt.rva, tt.size, err)
		}
	}
}

func TestDataDirectory(t *testing.T) {
	f := load(t, pefiletest.Build(pefiletest.Options{}))
	if dd := f.DataDirectory(ResourceTable); dd != (DataDirectory{}) {
		t.Errorf("unexpected resource directory %+v", dd)
	}
	want := DataDirectory{0x5000, 0x40}
	if err := f.SetDataDirectory(ResourceTable, want); err != nil {
		t.Fatal(err)
	}
	if got := f.DataDirectory(ResourceTable); got != want {
		t.Errorf("DataDirectory = %+v, want %+v", got, want)
	}
	if err := f.SetDataDirectory(16, want); !errors.Is(err, util.ErrLayoutOverflow) {
		t.Errorf("err = %v, want ErrLayoutOverflow", err)
	}
	if dd := f.DataDirectory(-1); dd != (DataDirectory{}) {
		t.Errorf("DataDirectory(-1) = %+v", dd)
	}
}

func TestResourceData(t *testing.T) {
	payload := []byte("resource directory bytes")
	f := load(t, pefiletest.Build(pefiletest.Options{
		Sections: []pefiletest.Section{
			pefiletest.Text(0x100),
			pefiletest.Resources(func(uint32) []byte { return payload }),
		},
	}))
	data, rva, err := f.ResourceData()
	if err != nil {
		t.Fatal(err)
	}
	if rva != f.Sections[1].VirtualAddress {
		t.Errorf("rva = 0x%x, want 0x%x", rva, f.Sections[1].VirtualAddress)
	}
	if !bytes.HasPrefix(data, payload) {
		t.Errorf("resource data does not start with the section contents")
	}

	none := load(t, pefiletest.Build(pefiletest.Options{}))
	if data, _, err := none.ResourceData(); data != nil || err != nil {
		t.Errorf("image without resources: data=%v err=%v", data, err)
	}
}

func TestEntropy(t *testing.T) {
	if e := entropy(bytes.Repeat([]byte{0xcc}, 64)); e != 0 {
		t.Errorf("entropy of a constant buffer = %f", e)
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if e := entropy(all); e < 7.99 || e > 8.01 {
		t.Errorf("entropy of every byte value = %f, want 8", e)
	}
}
