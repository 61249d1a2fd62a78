// The dosld tool loads a PE image without the interactive debugger and
// prints its load address or the modules the load registered. It does
// not call the image's entry point. Run "dosld help" for the command
// list.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dosx-project/dosx/host/posixhost"
	"github.com/dosx-project/dosx/loader"
)

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(2)
}

func main() {
	root := &cobra.Command{
		Use:   "dosld",
		Short: "load a PE image outside the interactive debugger",
	}
	root.AddCommand(runCmd())
	root.AddCommand(modulesCmd())
	if err := root.Execute(); err != nil {
		exitf("%v\n", err)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <image>",
		Short: "load an image and print its base address (the entry point is not called)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			h := posixhost.New()
			l := &loader.Loader{Host: h, Registry: loader.NewRegistry()}
			base, _, err := l.Load(args[0])
			if err != nil {
				exitf("dosld: %v\n", err)
			}
			fmt.Printf("loaded at %#08x\n", base)
		},
	}
}

func modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules <image>",
		Short: "load an image and list its module dependency closure",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			h := posixhost.New()
			reg := loader.NewRegistry()
			l := &loader.Loader{Host: h, Registry: reg}
			if _, _, err := l.Load(args[0]); err != nil {
				exitf("dosld: %v\n", err)
			}
			for _, m := range reg.Enumerate() {
				fmt.Printf("%08x %s\n", m.Base, m.Name)
			}
		},
	}
}
