package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cowkv/engine"
	"cowkv/files"
)

// ANSI colour codes, used only on a terminal.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
)

type shell struct {
	ctx   context.Context
	out   io.Writer
	color bool
	db    *engine.DB
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run an interactive session",
		Long:  "shell reads commands from stdin. With --dir (or the memory backend) the store is opened at startup; otherwise use OPEN <path>.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sh := &shell{
				ctx:   cmd.Context(),
				out:   cmd.OutOrStdout(),
				color: term.IsTerminal(int(os.Stdin.Fd())),
			}
			defer sh.close()
			if opts.dir != "" || opts.backend.v == files.Memory {
				sh.open(opts.dir)
			}
			return sh.run(cmd.InOrStdin())
		},
	}
}

func (sh *shell) run(in io.Reader) error {
	if sh.color {
		fmt.Fprintln(sh.out, "cowkv shell. Type HELP for available commands.")
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	sh.prompt()
	for scanner.Scan() {
		if err := sh.ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !sh.handle(line) {
			return nil
		}
		sh.prompt()
	}
	return errors.Wrap(scanner.Err(), "reading input")
}

func (sh *shell) prompt() {
	if sh.color {
		fmt.Fprintf(sh.out, "%s(cowkv) > %s", colorYellow, colorReset)
	}
}

func (sh *shell) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if sh.color {
		msg = colorRed + msg + colorReset
	}
	fmt.Fprintln(sh.out, msg)
}

func (sh *shell) ok() {
	if sh.color {
		fmt.Fprintln(sh.out, colorBlue+"OK"+colorReset)
		return
	}
	fmt.Fprintln(sh.out, "OK")
}

// handle runs one command line and reports whether the session continues.
func (sh *shell) handle(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])
	if cmd != "OPEN" && cmd != "HELP" && cmd != "EXIT" && cmd != "CLEAR" && sh.db == nil {
		sh.errorf("ERROR: database not opened (run OPEN <path> first)")
		return true
	}

	switch cmd {
	case "OPEN":
		if sh.db != nil {
			sh.errorf("ERROR: database already opened for this session")
		} else if len(parts) < 2 {
			sh.errorf("ERROR: missing argument <path>")
		} else {
			sh.open(parts[1])
		}
	case "PUT":
		sh.put(line, parts)
	case "GET":
		sh.get(parts)
	case "DELETE":
		sh.delete(parts)
	case "SCAN":
		sh.scan(parts)
	case "COUNT":
		sh.count(parts)
	case "COMPACT":
		if err := sh.db.Compact(sh.ctx); err != nil {
			sh.errorf("ERROR: compaction failed (%v)", err)
			break
		}
		sh.ok()
	case "VERIFY":
		r, err := sh.db.Verify(sh.ctx)
		if err != nil {
			sh.errorf("ERROR: verification failed (%v)", err)
			break
		}
		printReport(sh.out, r)
	case "STATS":
		printStats(sh.out, sh.db.Stats())
	case "CLEAR":
		if sh.color {
			fmt.Fprint(sh.out, "\033[2J\033[H")
		}
	case "HELP":
		sh.help()
	case "EXIT":
		return false
	default:
		sh.errorf("ERROR: unknown command '%s'", cmd)
	}
	return true
}

func (sh *shell) open(dir string) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			sh.errorf("ERROR: cannot create data directory (%v)", err)
			return
		}
	}
	cfg := opts.config(dir)
	// A session lives long enough to benefit from background compaction.
	cfg.DisableCompactor = false
	db, err := engine.Open(cfg)
	if err != nil {
		sh.errorf("ERROR: failed to open database: %v", err)
		return
	}
	sh.db = db
	if sh.color {
		fmt.Fprintf(sh.out, "Opened %s store with %d keys.\n", cfg.Backend, db.Head().Count)
	}
}

func (sh *shell) close() {
	if sh.db == nil {
		return
	}
	if err := sh.db.Close(); err != nil {
		sh.errorf("ERROR: close failed (%v)", err)
	}
	sh.db = nil
}

// put stores everything after the key, spaces included, as the value.
func (sh *shell) put(line string, parts []string) {
	if len(parts) < 3 {
		sh.errorf("ERROR: usage PUT <key> <value>")
		return
	}
	rest := strings.TrimSpace(line[len(parts[0]):])
	value := strings.TrimSpace(rest[len(parts[1]):])
	if err := sh.db.Put([]byte(parts[1]), []byte(value)); err != nil {
		sh.errorf("ERROR: write failed (%v)", err)
		return
	}
	sh.ok()
}

func (sh *shell) get(parts []string) {
	if len(parts) < 2 {
		sh.errorf("ERROR: missing argument <key>")
		return
	}
	v, err := sh.db.Get([]byte(parts[1]))
	if errors.Is(err, engine.ErrNotFound) {
		fmt.Fprintln(sh.out, "NOT FOUND")
		return
	}
	if err != nil {
		sh.errorf("ERROR: read failed (%v)", err)
		return
	}
	fmt.Fprintln(sh.out, string(v))
}

func (sh *shell) delete(parts []string) {
	if len(parts) < 2 {
		sh.errorf("ERROR: missing argument <key>")
		return
	}
	if err := sh.db.Delete([]byte(parts[1])); err != nil {
		sh.errorf("ERROR: delete failed (%v)", err)
		return
	}
	sh.ok()
}

// parseScan reads "[-pre <p>] [-rev] [-n <limit>] [<start> [<end>]]".
func parseScan(args []string) (scanOptions, error) {
	var o scanOptions
	var pos []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-pre":
			if i+1 == len(args) {
				return o, errors.New("missing argument <prefix>")
			}
			i++
			o.prefix = args[i]
		case "-rev":
			o.reverse = true
		case "-n":
			if i+1 == len(args) {
				return o, errors.New("missing argument <limit>")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 0 {
				return o, errors.Newf("invalid limit %q", args[i])
			}
			o.limit = n
		default:
			if strings.HasPrefix(args[i], "-") {
				return o, errors.Newf("unknown flag %s", args[i])
			}
			pos = append(pos, args[i])
		}
	}
	if len(pos) > 2 {
		return o, errors.New("too many arguments")
	}
	if len(pos) > 0 {
		o.start = pos[0]
	}
	if len(pos) > 1 {
		o.end = pos[1]
	}
	return o, nil
}

func (sh *shell) scan(parts []string) {
	o, err := parseScan(parts[1:])
	if err != nil {
		sh.errorf("ERROR: %v", err)
		return
	}
	if err := scan(sh.out, sh.db, o); err != nil {
		sh.errorf("ERROR: %v", err)
	}
}

func (sh *shell) count(parts []string) {
	o, err := parseScan(parts[1:])
	if err != nil {
		sh.errorf("ERROR: %v", err)
		return
	}
	n, err := count(sh.db, o)
	if err != nil {
		sh.errorf("ERROR: %v", err)
		return
	}
	fmt.Fprintln(sh.out, n)
}

func (sh *shell) help() {
	for _, l := range []string{
		"OPEN <path>",
		"PUT <key> <value>",
		"GET <key>",
		"DELETE <key>",
		"SCAN [<start> [<end>]] [-pre <prefix>] [-rev] [-n <limit>]",
		"COUNT [<start> [<end>]] [-pre <prefix>]",
		"COMPACT",
		"VERIFY",
		"STATS",
		"CLEAR",
		"HELP",
		"EXIT",
	} {
		fmt.Fprintln(sh.out, l)
	}
}
