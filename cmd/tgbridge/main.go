// Command tgbridge runs the Telegram to web chat relay and its admin tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/tgbridge/pkg/logging"
	"github.com/NicolasHaas/tgbridge/pkg/server"
	"github.com/NicolasHaas/tgbridge/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := newConfigFlags()
	serve := newServeCmd(flags)

	cmd := &cobra.Command{
		Use:          "tgbridge",
		Short:        "Relay Telegram chats into web chat rooms",
		Long:         "tgbridge relays messages between Telegram chats and web chat rooms.\nRunning it without a command starts the server.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serve.RunE,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", "", "Environment file to load (default: .env when present)")
	flagVar(flags, pf.StringVar, "db", func(c *server.Config) *string { return &c.DBPath }, "SQLite database file path")
	flagVar(flags, pf.StringVar, "log-level", func(c *server.Config) *string { return &c.LogLevel }, "Log level: "+logging.LevelNames())
	flagVar(flags, pf.StringVar, "log-format", func(c *server.Config) *string { return &c.LogFormat }, "Log format: text or json")
	flagVar(flags, pf.StringVar, "log-file", func(c *server.Config) *string { return &c.LogFile }, "Also write logs to this rotating file")

	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(newExportCmd(flags))
	cmd.AddCommand(newImportCmd(flags))
	cmd.AddCommand(newUsersCmd(flags))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "tgbridge", version.Full())
		},
	}
}
