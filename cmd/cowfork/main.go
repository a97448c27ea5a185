package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "cowfork",
	Short:         "cowfork -- copy-on-write fork on a simulated microkernel",
	Long:          "cowfork runs user-space fork, shared-memory fork and copy-on-write fault handling against a simulated exokernel.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
