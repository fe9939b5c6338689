package resources

import (
	"fmt"
	"io"
)

// Dump writes an indented listing of the tree to w.
func Dump(w io.Writer, root *Directory) {
	dump(w, root, 0)
}

func dump(w io.Writer, d *Directory, depth int) {
	for _, e := range d.Entries {
		indent := fmt.Sprintf("%*s", depth*2, "")
		label := e.Ident.String()
		switch depth {
		case 0:
			label = TypeName(e.Ident)
		case 2:
			if id, ok := e.Ident.(ID); ok {
				label = fmt.Sprintf("lang %04x", uint16(id))
			}
		}
		if e.Dir != nil {
			fmt.Fprintf(w, "%s%s\n", indent, label)
			dump(w, e.Dir, depth+1)
			continue
		}
		if e.Leaf != nil {
			fmt.Fprintf(w, "%s%s size=%d codepage=%d\n", indent, label, len(e.Leaf.Data), e.Leaf.CodePage)
		}
	}
}
