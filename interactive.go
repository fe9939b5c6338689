package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/carbonblack/metaedit/core"
	"github.com/carbonblack/metaedit/resources"
	"github.com/chzyer/readline"
)

var completer = []readline.PrefixCompleterInterface{
	readline.PcItem("quit"),
	readline.PcItem("commit"),
	readline.PcItem("icon"),
	readline.PcItem("version"),
	readline.PcItem("set",
		readline.PcItem("CompanyName"),
		readline.PcItem("FileDescription"),
		readline.PcItem("LegalCopyright"),
		readline.PcItem("ProductName"),
		readline.PcItem("OriginalFilename"),
		readline.PcItem("InternalName")),
	readline.PcItem("show",
		readline.PcItem("version"),
		readline.PcItem("resources"),
		readline.PcItem("changes")),
	readline.PcItem("help"),
}

func filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const interactiveHelp = `commands:
  set <key> <value>     set a version string
  icon <path>           replace the icon
  version <a.b.c.d>     set the file and product version
  show version|resources|changes
  commit                write the changes and quit
  quit                  quit without writing`

// runInteractive reads edit commands until commit or quit.
func runInteractive(e *core.Editor, stdin io.ReadCloser, stdout io.Writer) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "metaedit > ",
		HistoryFile:         filepath.Join(os.TempDir(), "metaedit.tmp"),
		AutoComplete:        readline.NewPrefixCompleter(completer...),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
		Stdin:               stdin,
		Stdout:              stdout,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		in, err := l.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			fmt.Fprintln(stdout, "quitting without writing")
			return nil
		}
		if err != nil {
			return err
		}
		done, err := execCommand(e, strings.Fields(in), stdout)
		if err != nil {
			fmt.Fprintln(stdout, "error:", err)
			if done {
				return err
			}
			continue
		}
		if done {
			return nil
		}
	}
}

// execCommand runs one interactive command. done is true once the session
// should end.
func execCommand(e *core.Editor, words []string, w io.Writer) (done bool, err error) {
	if len(words) == 0 {
		return false, nil
	}
	switch words[0] {
	case "q", "quit", "exit":
		fmt.Fprintln(w, "quitting without writing")
		return true, nil
	case "commit", "write":
		if err := e.Commit(); err != nil {
			return true, err
		}
		printChanges(w, e)
		return true, nil
	case "set", "s":
		if len(words) < 2 {
			break
		}
		return false, e.SetString(words[1], strings.Join(words[2:], " "))
	case "icon":
		if len(words) != 2 {
			break
		}
		return false, e.SetIcon(words[1])
	case "version", "v":
		if len(words) != 2 {
			break
		}
		return false, e.SetVersion(words[1])
	case "show":
		if len(words) != 2 {
			break
		}
		switch words[1] {
		case "version":
			printVersion(w, e)
		case "resources":
			resources.Dump(w, e.Resources())
		case "changes":
			for _, k := range e.Changes.Keys() {
				v, _ := e.Changes.Last(k)
				fmt.Fprintf(w, "  %s: %s\n", k, v)
			}
		default:
			fmt.Fprintln(w, interactiveHelp)
		}
		return false, nil
	}
	fmt.Fprintln(w, interactiveHelp)
	return false, nil
}
