// The dosdbg tool is the interactive symbolic debugger: a readline
// REPL over the Command Dispatcher (spec.md §4.I), driving a target
// through the ptrace-backed development host.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/chzyer/readline"

	"github.com/dosx-project/dosx/addr"
	"github.com/dosx-project/dosx/debugger"
	"github.com/dosx-project/dosx/host/posixhost"
	"github.com/dosx-project/dosx/loader"
)

func usage() {
	fmt.Println(`
Usage:

        dosdbg program [args...]

Starts program under the debugger and drops into an interactive
command loop. See spec.md §4.I for the command language.`)
	flag.PrintDefaults()
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("dosdbg: ")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	h := posixhost.New()
	if err := h.Attach(args[0], args); err != nil {
		log.Fatalf("attach: %v", err)
	}

	reg := loader.NewRegistry()
	ld := loader.New(h, reg)
	bp := debugger.NewManager(h)
	disp := debugger.NewDispatcher(h, bp, reg)
	disp.DefMode = addr.DefaultProtected
	disp.Symbols = ld.Symbols
	disp.Sym = ld.Symbols.Lookup

	rl, err := readline.New("dosdbg> ")
	if err != nil {
		log.Fatalf("readline: %v", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Fatalf("readline: %v", err)
		}

		out, err := disp.Dispatch(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
		if out == "quit" {
			return
		}
	}
}
