// Package main is the metaedit command line tool. It edits the icon and
// version information of Windows executables in place.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/carbonblack/metaedit/core"
	"github.com/carbonblack/metaedit/pefile"
	"github.com/carbonblack/metaedit/resources"
	"github.com/carbonblack/metaedit/util"
	"github.com/pkg/errors"
)

// stringFlags collects repeated -s key=value flags in order.
type stringFlags []util.KeyValue

func (s *stringFlags) String() string {
	parts := make([]string, 0, len(*s))
	for _, kv := range *s {
		parts = append(parts, kv.Key+"="+kv.Value)
	}
	return strings.Join(parts, ",")
}

func (s *stringFlags) Set(v string) error {
	i := strings.IndexByte(v, '=')
	if i <= 0 {
		return errors.Wrapf(util.ErrInvalidArgument, "%q is not key=value", v)
	}
	*s = append(*s, util.KeyValue{Key: v[:i], Value: v[i+1:]})
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdin io.ReadCloser, stdout io.Writer) error {
	fs := flag.NewFlagSet("metaedit", flag.ContinueOnError)
	iconPath := fs.String("icon", "", "replace the application icon with this image or .ico file")
	version := fs.String("version", "", "set the file and product version, e.g. 1.2.3.4")
	company := fs.String("company", "", "set CompanyName")
	description := fs.String("description", "", "set FileDescription")
	product := fs.String("product", "", "set ProductName")
	copyright := fs.String("copyright", "", "set LegalCopyright")
	var extra stringFlags
	fs.Var(&extra, "s", "set any version string, key=value (repeatable)")
	configFilePath := fs.String("c", "", "path to a yaml manifest of edits")
	interactive := fs.Bool("i", false, "edit interactively")
	listResources := fs.Bool("res", false, "dump the resource directory and version strings")
	listSections := fs.Bool("sections", false, "list the sections of the image")
	verbose2 := fs.Bool("vv", false, "verbose level 2")
	verbose1 := fs.Bool("v", false, "verbose level 1")

	if err := fs.Parse(args); err != nil {
		return err
	}

	verboseLevel := 0
	if *verbose1 {
		verboseLevel = 1
	}
	if *verbose2 {
		verboseLevel = 2
	}
	logger := util.NewLogger(verboseLevel)

	var manifest util.Manifest
	if *configFilePath != "" {
		var err error
		if manifest, err = util.ReadManifest(*configFilePath); err != nil {
			return err
		}
	}

	target := manifest.Target
	if fs.NArg() > 0 {
		target = fs.Arg(0)
	}
	// quit if no binary is passed in
	if target == "" {
		fs.SetOutput(stdout)
		fs.PrintDefaults()
		return errors.Wrap(util.ErrInvalidArgument, "no executable given")
	}

	if *listSections {
		pe, err := pefile.LoadPeFile(target)
		if err != nil {
			return err
		}
		printSections(stdout, pe)
		return nil
	}

	e, err := core.Open(target, core.WithLogger(logger))
	if err != nil {
		return err
	}

	if *listResources {
		printResources(stdout, e)
		return nil
	}

	// manifest first, flags override it
	edits := []util.KeyValue{}
	if manifest.Icon != "" {
		edits = append(edits, util.KeyValue{Key: core.KeyIcon, Value: manifest.Icon})
	}
	if manifest.Version != "" {
		edits = append(edits, util.KeyValue{Key: core.KeyVersion, Value: manifest.Version})
	}
	edits = append(edits, manifest.StringPairs()...)
	for _, f := range []struct {
		key   string
		value *string
	}{
		{core.KeyIcon, iconPath},
		{core.KeyVersion, version},
		{"CompanyName", company},
		{"FileDescription", description},
		{"ProductName", product},
		{"LegalCopyright", copyright},
	} {
		if *f.value != "" {
			edits = append(edits, util.KeyValue{Key: f.key, Value: *f.value})
		}
	}
	edits = append(edits, extra...)

	for _, kv := range edits {
		if err := apply(e, kv.Key, kv.Value); err != nil {
			return err
		}
	}

	if *interactive {
		return runInteractive(e, stdin, stdout)
	}
	if e.Changes.Len() == 0 {
		fmt.Fprintln(stdout, "nothing to change")
		return nil
	}
	if err := e.Commit(); err != nil {
		return err
	}
	printChanges(stdout, e)
	return nil
}

func apply(e *core.Editor, key, value string) error {
	switch key {
	case core.KeyIcon:
		return e.SetIcon(value)
	case core.KeyVersion:
		return e.SetVersion(value)
	default:
		return e.SetString(key, value)
	}
}

func printSections(w io.Writer, pe *pefile.PeFile) {
	fmt.Fprintf(w, "%s: %d sections, image base 0x%x, checksum 0x%x\n", pe.Path, len(pe.Sections), pe.ImageBase(), pe.Checksum())
	for _, s := range pe.Sections {
		fmt.Fprintf(w, "%-8s va=0x%08x vsize=0x%08x offset=0x%08x size=0x%08x entropy=%.2f\n",
			s.Name, s.VirtualAddress, s.VirtualSize, s.Offset, s.Size, s.Entropy)
	}
}

func printResources(w io.Writer, e *core.Editor) {
	if e.Resources().Count() == 0 {
		fmt.Fprintln(w, "This executable has no resources.")
		return
	}
	resources.Dump(w, e.Resources())
	printVersion(w, e)
}

func printVersion(w io.Writer, e *core.Editor) {
	rec := e.Version()
	if rec == nil {
		fmt.Fprintln(w, "no version information")
		return
	}
	fmt.Fprintf(w, "FileVersion    %s\n", rec.FileVersion)
	fmt.Fprintf(w, "ProductVersion %s\n", rec.ProductVersion)
	for _, t := range rec.Tables {
		fmt.Fprintf(w, "[%04x %04x]\n", t.Lang, t.CodePage)
		for _, p := range t.Strings {
			fmt.Fprintf(w, "  %s = %s\n", p.Key, p.Value)
		}
	}
}

func printChanges(w io.Writer, e *core.Editor) {
	fmt.Fprintf(w, "updated %s\n", e.Path)
	for _, k := range e.Changes.Keys() {
		v, _ := e.Changes.Last(k)
		fmt.Fprintf(w, "  %s: %s\n", k, v)
	}
}
