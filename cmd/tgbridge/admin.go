package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/logging"
	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/relay"
	"github.com/NicolasHaas/tgbridge/pkg/server"
)

// openStore loads the config, sets up logging on stderr and opens the
// database for a one-shot admin command.
func openStore(cmd *cobra.Command, flags *configFlags) (*datastore.ProviderFactory, func(), error) {
	cfg, err := flags.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	logOpts := cfg.LoggingOptions()
	logOpts.Output = os.Stderr
	logCloser, err := logging.Setup(logOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid logging config: %w", err)
	}
	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return st, func() {
		_ = st.Close()
		_ = logCloser.Close()
	}, nil
}

func newExportCmd(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "export users|rooms",
		Short:     "Print users or rooms as YAML",
		ValidArgs: []string{"users", "rooms"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, done, err := openStore(cmd, flags)
			if err != nil {
				return err
			}
			defer done()

			var data []byte
			switch args[0] {
			case "users":
				data, err = server.ExportUsersYAML(cmd.Context(), st)
			case "rooms":
				data, err = server.ExportRoomsYAML(cmd.Context(), st)
			}
			if err != nil {
				return fmt.Errorf("export %s: %w", args[0], err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newImportCmd(flags *configFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import data from YAML",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rooms <file>",
		Short: "Create the rooms listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, done, err := openStore(cmd, flags)
			if err != nil {
				return err
			}
			defer done()

			created, err := server.LoadRoomsFromYAML(cmd.Context(), args[0], st)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %d room(s)\n", created)
			return nil
		},
	})
	return cmd
}

func newUsersCmd(flags *configFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users",
	}
	cmd.AddCommand(newSetRoleCmd(flags, "promote", model.RoleAdmin))
	cmd.AddCommand(newSetRoleCmd(flags, "demote", model.RoleUser))
	return cmd
}

func newSetRoleCmd(flags *configFlags, verb string, role model.Role) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <telegram-user-id>",
		Short: fmt.Sprintf("Give a user the %s role", role),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, done, err := openStore(cmd, flags)
			if err != nil {
				return err
			}
			defer done()

			externalID := strings.TrimSpace(args[0])
			user, err := relay.NewIdentity(st, nil, nil).SetRole(cmd.Context(), externalID, role)
			if err != nil {
				return fmt.Errorf("%s %s: %w", verb, externalID, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) is now %s\n", user.DisplayName, user.ExternalID, role)
			return nil
		},
	}
}
