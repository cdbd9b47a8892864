package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dosing-safety-mcp-server/internal/config"
	"github.com/dosing-safety-mcp-server/internal/database"
	"github.com/dosing-safety-mcp-server/internal/history"
	"github.com/dosing-safety-mcp-server/internal/setup"
)

type historyOptions struct {
	sqlitePath  string
	databaseURL string
}

func (h *historyOptions) open() (history.Store, error) {
	switch {
	case h.databaseURL != "" && h.sqlitePath != "":
		return nil, errors.New("use either --db or --database-url, not both")
	case h.databaseURL != "":
		return history.NewPostgresStoreFromURL(h.databaseURL)
	case h.sqlitePath != "":
		return history.NewSQLiteStore(h.sqlitePath)
	default:
		return history.NewSQLiteStore(config.LoadLiteConfig().HistoryDBPath())
	}
}

func historyCmd(opts *rootOptions) *cobra.Command {
	h := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect, export and import recorded calculations",
	}
	cmd.PersistentFlags().StringVar(&h.sqlitePath, "db", "", "SQLite history database (default: the lite server's)")
	cmd.PersistentFlags().StringVar(&h.databaseURL, "database-url", "", "PostgreSQL history database URL")

	var list history.ListOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded calculations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := h.open()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), list)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), records)
		},
	}
	listCmd.Flags().StringVar(&list.ItemID, "item", "", "only records for this item")
	listCmd.Flags().IntVar(&list.Limit, "limit", history.DefaultListLimit, "maximum records")
	listCmd.Flags().IntVar(&list.Offset, "offset", 0, "records to skip")

	exportCmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write every record as JSON to file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := h.open()
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				return store.ExportJSON(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			if err := store.ExportJSON(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Load an export, skipping records that already exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open import file: %w", err)
			}
			defer f.Close()

			store, err := h.open()
			if err != nil {
				return err
			}
			defer store.Close()

			imported, skipped, err := store.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]int{"imported": imported, "skipped": skipped})
		},
	}

	cmd.AddCommand(listCmd, exportCmd, importCmd)
	return cmd
}

func migrateCmd() *cobra.Command {
	var databaseURL, path string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL history schema",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DOSING_HISTORY_POSTGRES_URL"), "PostgreSQL database URL")
	cmd.PersistentFlags().StringVar(&path, "path", "", "migrations directory (default: built-in migrations)")

	runner := func(cmd *cobra.Command) (*database.MigrationRunner, error) {
		if databaseURL == "" {
			return nil, errors.New("--database-url is required")
		}
		logger := logrus.New()
		logger.SetOutput(cmd.ErrOrStderr())
		return database.NewMigrationRunner(databaseURL, path, logger)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Up()
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			return r.Down()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runner(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			version, dirty, err := r.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}

	cmd.AddCommand(upCmd, downCmd, versionCmd)
	return cmd
}

func setupCmd(opts *rootOptions) *cobra.Command {
	var clientConfig string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the lite MCP server with a desktop MCP client",
	}
	cmd.PersistentFlags().StringVar(&clientConfig, "client-config", "", "client configuration file (default: per-OS location)")

	resolve := func() (string, error) {
		if clientConfig != "" {
			return clientConfig, nil
		}
		return setup.DefaultClientConfigPath()
	}

	var reg setup.Options
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Add or update the server entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			reg.ConfigPath = path
			if reg.CatalogPath == "" {
				reg.CatalogPath = opts.catalogPath
			}
			entry, err := setup.Register(reg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Registered %s in %s; restart the client to load it.\n", setup.ServerName, path)
			return opts.print(cmd.OutOrStdout(), entry)
		},
	}
	registerCmd.Flags().StringVar(&reg.BinaryPath, "binary", "", "path to mcp-server-lite (default: search PATH)")
	registerCmd.Flags().StringVar(&reg.DataDir, "data-dir", "", "data directory for history and exports")
	registerCmd.Flags().BoolVar(&reg.HistoryOff, "no-history", false, "do not record calculations")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show how the server is registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			status, err := setup.GetStatus(path)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), status)
		},
	}

	cmd.AddCommand(registerCmd, statusCmd)
	return cmd
}
