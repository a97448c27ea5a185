package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/kahiteam/cowfork/internal/ctl"
	"github.com/spf13/cobra"
)

var (
	ctlSocket string
	ctlAddr   string
	ctlUser   string
	ctlPass   string
	ctlJSON   bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running cowfork daemon",
	Long:  "Send commands to a running cowfork daemon via its API.",
}

func newCtlClient() *ctl.Client {
	if ctlAddr != "" {
		return ctl.NewTCPClient(ctlAddr, ctlUser, ctlPass)
	}
	sock := ctlSocket
	if sock == "" {
		sock = "/tmp/cowfork.sock"
	}
	return ctl.NewUnixClient(sock)
}

var ctlStatusCmd = &cobra.Command{
	Use:     "status [env...]",
	Aliases: []string{"envs"},
	Short:   "Show environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Status(args, ctlJSON, cmd.OutOrStdout())
	},
}

var ctlEnvCmd = &cobra.Command{
	Use:   "env <env>",
	Short: "Show one environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newCtlClient().Env(args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "id:      %08x\n", info.ID)
		fmt.Fprintf(w, "parent:  %08x\n", info.Parent)
		fmt.Fprintf(w, "status:  %s\n", info.Status)
		fmt.Fprintf(w, "pages:   %d\n", info.Pages)
		fmt.Fprintf(w, "upcall:  %t\n", info.Upcall)
		fmt.Fprintf(w, "handler: %t\n", info.HandlerSet)
		return nil
	},
}

var ctlPagesCmd = &cobra.Command{
	Use:   "pages <env>",
	Short: "Show an environment's mappings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Pages(args[0], ctlJSON, cmd.OutOrStdout())
	},
}

func forkCmd(use, short string, shared bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <env>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newCtlClient().Fork(args[0], shared)
			if err != nil {
				return err
			}
			policies := make([]string, 0, len(res.Pages))
			for p, n := range res.Pages {
				policies = append(policies, fmt.Sprintf("%s=%d", p, n))
			}
			sort.Strings(policies)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: forked %08x (%s) pages: %s failed=%d\n",
				args[0], res.Child, res.Variant, strings.Join(policies, " "), res.Failed)
			return nil
		},
	}
}

var ctlWriteCmd = &cobra.Command{
	Use:   "write <env> <va> <data>",
	Short: "Store data in an environment's memory",
	Long:  "Store data at va as the environment itself would; a write to a copy-on-write page faults and is resolved by the environment's handler.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newCtlClient().Write(args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: wrote %d bytes at %s\n", args[0], len(args[2]), args[1])
		return nil
	},
}

var readLen int

var ctlReadCmd = &cobra.Command{
	Use:   "read <env> <va>",
	Short: "Dump an environment's memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newCtlClient().Read(args[0], args[1], readLen)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var ctlDestroyCmd = &cobra.Command{
	Use:   "destroy <env...>",
	Short: "Destroy environments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		for _, id := range args {
			if err := c.Destroy(id); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s\n", id, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: destroyed\n", id)
		}
		return nil
	},
}

var tailBytes int

var ctlLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the tail of the daemon log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Tail(tailBytes, cmd.OutOrStdout())
	},
}

var ctlLogLevelCmd = &cobra.Command{
	Use:   "log-level [level]",
	Short: "Show or change the daemon log level",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		if len(args) == 1 {
			if err := c.SetLogLevel(args[0]); err != nil {
				return err
			}
		}
		level, err := c.LogLevel()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), level)
		return nil
	},
}

var eventTypes []string

var ctlEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		return newCtlClient().Events(ctx, eventTypes, cmd.OutOrStdout())
	},
}

var ctlShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Initiate daemon shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newCtlClient().Shutdown(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "shutdown initiated")
		return nil
	},
}

var ctlVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show remote daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newCtlClient().Version()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(result))
		for k := range result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, result[k])
		}
		return nil
	},
}

var ctlConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the daemon's running config",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newCtlClient().Config()
		if err != nil {
			return err
		}
		return encodeJSON(cmd.OutOrStdout(), result)
	},
}

var ctlHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newCtlClient().Health()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(status))
		if status != "ok" {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVarP(&ctlSocket, "socket", "s", "", "Unix socket path")
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "TCP address (host:port)")
	ctlCmd.PersistentFlags().StringVarP(&ctlUser, "username", "u", "", "HTTP Basic Auth username")
	ctlCmd.PersistentFlags().StringVarP(&ctlPass, "password", "p", "", "HTTP Basic Auth password")

	ctlStatusCmd.Flags().BoolVar(&ctlJSON, "json", false, "Output JSON")
	ctlPagesCmd.Flags().BoolVar(&ctlJSON, "json", false, "Output JSON")
	ctlReadCmd.Flags().IntVarP(&readLen, "len", "n", 0, "Number of bytes (default one page)")
	ctlLogCmd.Flags().IntVar(&tailBytes, "bytes", 1600, "Number of bytes to show")
	ctlEventsCmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Only these event types")

	ctlCmd.AddCommand(
		ctlStatusCmd, ctlEnvCmd, ctlPagesCmd,
		forkCmd("fork", "Fork an environment copy-on-write", false),
		forkCmd("sfork", "Fork an environment sharing all but its stack", true),
		ctlWriteCmd, ctlReadCmd, ctlDestroyCmd,
		ctlLogCmd, ctlLogLevelCmd, ctlEventsCmd,
		ctlShutdownCmd, ctlVersionCmd, ctlConfigCmd, ctlHealthCmd,
	)
	rootCmd.AddCommand(ctlCmd)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
