package pefile

import (
	"bytes"
	"debug/pe"
	"sort"
	"testing"

	"github.com/carbonblack/metaedit/pefile/pefiletest"
	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

// checkLayout asserts the section invariants that must survive any patch.
func checkLayout(t *testing.T, f *PeFile) {
	t.Helper()
	for _, s := range f.Sections {
		off, err := f.RvaToOffset(s.VirtualAddress)
		if err != nil || off != s.Offset {
			t.Errorf("RvaToOffset(%s VA 0x%x) = 0x%x, %v; want 0x%x", s.Name, s.VirtualAddress, off, err, s.Offset)
		}
		if s.Offset%f.FileAlignment() != 0 || s.Size%f.FileAlignment() != 0 {
			t.Errorf("section %s raw layout not file aligned", s.Name)
		}
		if s.VirtualAddress%f.SectionAlignment() != 0 {
			t.Errorf("section %s not section aligned", s.Name)
		}
	}

	byOffset := append([]*Section(nil), f.Sections...)
	sort.Slice(byOffset, func(i, j int) bool { return byOffset[i].Offset < byOffset[j].Offset })
	for i := 1; i < len(byOffset); i++ {
		prev, cur := byOffset[i-1], byOffset[i]
		if prev.Offset+prev.Size > cur.Offset {
			t.Errorf("sections %s and %s overlap in the file", prev.Name, cur.Name)
		}
		if prev.VirtualAddress >= cur.VirtualAddress {
			t.Errorf("sections %s and %s ordered differently in file and memory", prev.Name, cur.Name)
		}
		if uint64(prev.VirtualAddress)+f.virtualSpan(prev) > uint64(cur.VirtualAddress) {
			t.Errorf("sections %s and %s overlap in memory", prev.Name, cur.Name)
		}
	}

	last := byOffset[len(byOffset)-1]
	if want := uint32(uint64(last.VirtualAddress) + f.virtualSpan(last)); f.SizeOfImage() != want {
		t.Errorf("SizeOfImage = 0x%x, want 0x%x", f.SizeOfImage(), want)
	}
	if !f.VerifyChecksum() {
		t.Error("checksum does not verify")
	}

	out, err := f.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pe.NewFile(bytes.NewReader(out)); err != nil {
		t.Errorf("debug/pe rejects patched image: %v", err)
	}
	reparsed, err := LoadPeBytes(append([]byte(nil), out...), "reparsed")
	if err != nil {
		t.Fatalf("patched image does not parse: %v", err)
	}
	if len(reparsed.Sections) != len(f.Sections) {
		t.Errorf("reparsed %d sections, want %d", len(reparsed.Sections), len(f.Sections))
	}
}

func fullImage(t *testing.T, pe32 bool) (*PeFile, []byte, []byte) {
	reloc := bytes.Repeat([]byte{0x5a}, 0x20)
	cert := pefiletest.Certificate(0x40)
	img := pefiletest.Build(pefiletest.Options{
		PE32: pe32,
		Sections: []pefiletest.Section{
			pefiletest.Text(0x180),
			pefiletest.Resources(func(uint32) []byte { return bytes.Repeat([]byte{0x11}, 0x100) }),
			{Name: ".reloc", Data: reloc, Characteristics: 0x42000040},
		},
		Certificate: cert,
	})
	return load(t, img), reloc, cert
}

func TestApplyResourcesGrow(t *testing.T) {
	for _, pe32 := range []bool{true, false} {
		f, reloc, cert := fullImage(t, pe32)
		rsrc := f.Sections[1]
		relocSec := f.Sections[2]
		oldRelocVA := relocSec.VirtualAddress
		oldRelocOffset := relocSec.Offset
		certOffset := f.DataDirectory(CertificateTable).VirtualAddress

		rva, err := f.ResourceRVA()
		if err != nil || rva != rsrc.VirtualAddress {
			t.Fatalf("ResourceRVA = 0x%x, %v", rva, err)
		}
		data := bytes.Repeat([]byte{0x22}, 0x2500)
		if err := f.ApplyResources(data, nil); err != nil {
			t.Fatal(err)
		}

		if rsrc.Size != 0x2600 || rsrc.VirtualSize != 0x2500 {
			t.Errorf("resource section raw 0x%x virtual 0x%x", rsrc.Size, rsrc.VirtualSize)
		}
		if relocSec.VirtualAddress != oldRelocVA+0x2000 {
			t.Errorf(".reloc VA = 0x%x, want 0x%x", relocSec.VirtualAddress, oldRelocVA+0x2000)
		}
		if relocSec.Offset != oldRelocOffset+0x2400 {
			t.Errorf(".reloc offset = 0x%x, want 0x%x", relocSec.Offset, oldRelocOffset+0x2400)
		}
		if dd := f.DataDirectory(BaseRelocTable); dd.VirtualAddress != relocSec.VirtualAddress {
			t.Errorf("reloc directory = 0x%x, want 0x%x", dd.VirtualAddress, relocSec.VirtualAddress)
		}
		if dd := f.DataDirectory(ResourceTable); dd.VirtualAddress != rsrc.VirtualAddress || dd.Size != uint32(len(data)) {
			t.Errorf("resource directory = %+v", dd)
		}
		dd := f.DataDirectory(CertificateTable)
		if dd.VirtualAddress != certOffset+0x2400 {
			t.Errorf("certificate offset = 0x%x, want 0x%x", dd.VirtualAddress, certOffset+0x2400)
		}

		out, _ := f.Bytes()
		if !bytes.Equal(out[dd.VirtualAddress:dd.VirtualAddress+dd.Size], cert) {
			t.Error("certificate bytes not carried along")
		}
		if !bytes.Equal(f.SectionData(relocSec)[:len(reloc)], reloc) {
			t.Error(".reloc bytes not carried along")
		}
		if !bytes.Equal(f.SectionData(rsrc)[:len(data)], data) {
			t.Error("resource bytes not written")
		}
		checkLayout(t, f)
	}
}

func TestApplyResourcesShrink(t *testing.T) {
	f, reloc, _ := fullImage(t, false)
	if err := f.ApplyResources(bytes.Repeat([]byte{0x22}, 0x3000), nil); err != nil {
		t.Fatal(err)
	}
	grown, _ := f.Bytes()
	grownLen := len(grown)

	if err := f.ApplyResources([]byte{1, 2, 3, 4}, nil); err != nil {
		t.Fatal(err)
	}
	out, _ := f.Bytes()
	if len(out) != grownLen-0x2e00 {
		t.Errorf("image is %d bytes, want %d", len(out), grownLen-0x2e00)
	}
	if f.Sections[1].Size != 0x200 {
		t.Errorf("resource section raw size 0x%x, want 0x200", f.Sections[1].Size)
	}
	if !bytes.Equal(f.SectionData(f.Sections[2])[:len(reloc)], reloc) {
		t.Error(".reloc bytes lost")
	}
	checkLayout(t, f)
}

func TestApplyResourcesSameSize(t *testing.T) {
	f, _, _ := fullImage(t, true)
	before := *f.Sections[2]
	if err := f.ApplyResources(bytes.Repeat([]byte{0x33}, 0x1f0), nil); err != nil {
		t.Fatal(err)
	}
	if after := *f.Sections[2]; after.Offset != before.Offset || after.VirtualAddress != before.VirtualAddress {
		t.Error("later section moved although the raw size did not change")
	}
	checkLayout(t, f)
}

func TestApplyResourcesAppend(t *testing.T) {
	overlay := []byte("installer payload")
	f := load(t, pefiletest.Build(pefiletest.Options{
		Sections: []pefiletest.Section{pefiletest.Text(0x100), pefiletest.Data(".data", 0x1800)},
		Overlay:  overlay,
	}))
	rva, err := f.ResourceRVA()
	if err != nil {
		t.Fatal(err)
	}
	if rva != 0x4000 {
		t.Errorf("ResourceRVA = 0x%x, want 0x4000", rva)
	}

	data := bytes.Repeat([]byte{0x44}, 0x300)
	if err := f.ApplyResources(data, nil); err != nil {
		t.Fatal(err)
	}
	s := f.FindSection(".rsrc")
	if s == nil {
		t.Fatal("no .rsrc section added")
	}
	if s.VirtualAddress != rva || len(f.Sections) != 3 || f.CoffHeader.NumberOfSections != 3 {
		t.Errorf("unexpected section %+v (count %d)", s, len(f.Sections))
	}
	if dd := f.DataDirectory(ResourceTable); dd.VirtualAddress != rva || dd.Size != 0x300 {
		t.Errorf("resource directory = %+v", dd)
	}
	out, _ := f.Bytes()
	if !bytes.HasSuffix(out, overlay) {
		t.Error("overlay not kept at the end of the file")
	}
	got, _, err := f.ResourceData()
	if err != nil || !bytes.HasPrefix(got, data) {
		t.Errorf("ResourceData after append: %v", err)
	}
	checkLayout(t, f)
}

func TestApplyResourcesNoHeaderRoom(t *testing.T) {
	img := pefiletest.Build(pefiletest.Options{})
	f := load(t, img)
	slot := f.sectionTableOffset() + int64(len(f.Sections))*sectionHeaderSize
	img[slot] = '.'

	err := f.ApplyResources([]byte{1, 2, 3, 4}, nil)
	if !errors.Is(err, util.ErrLayoutOverflow) {
		t.Errorf("err = %v, want ErrLayoutOverflow", err)
	}
	if len(f.Sections) != 1 {
		t.Error("failed append changed the section table")
	}
}

func TestApplyResourcesMisplacedDirectory(t *testing.T) {
	f, _, _ := fullImage(t, false)
	dd := f.DataDirectory(ResourceTable)
	dd.VirtualAddress += 0x10
	if err := f.SetDataDirectory(ResourceTable, dd); err != nil {
		t.Fatal(err)
	}
	if err := f.ApplyResources([]byte{1, 2, 3, 4}, nil); !errors.Is(err, util.ErrInvariantViolation) {
		t.Errorf("err = %v, want ErrInvariantViolation", err)
	}
}
