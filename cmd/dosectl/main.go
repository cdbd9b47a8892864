// Command dosectl runs the dosing engine from the command line: catalog validation,
// one-off calculations, history maintenance and MCP client registration.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/service"
)

type rootOptions struct {
	catalogPath string
	output      string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "dosectl",
		Short:        "Personalized dosing and safety rule engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "json" && opts.output != "yaml" {
				return fmt.Errorf("unsupported output format %q (json or yaml)", opts.output)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.catalogPath, "catalog", os.Getenv("DOSING_CATALOG_PATH"), "rule catalog file (embedded catalog when empty)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine decisions to stderr")

	rootCmd.AddCommand(validateCmd(opts))
	rootCmd.AddCommand(itemsCmd(opts))
	rootCmd.AddCommand(calculateCmd(opts))
	rootCmd.AddCommand(interactionsCmd(opts))
	rootCmd.AddCommand(riskCmd(opts))
	rootCmd.AddCommand(labsCmd(opts))
	rootCmd.AddCommand(titrationCmd(opts))
	rootCmd.AddCommand(injectionCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(setupCmd(opts))

	return rootCmd
}

func (o *rootOptions) logger(cmd *cobra.Command) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

func (o *rootOptions) loadCatalog() (*catalog.Catalog, error) {
	return catalog.Load(o.catalogPath, catalog.RequireRiskPredicates(service.RiskPredicates()))
}

func (o *rootOptions) engine(cmd *cobra.Command) (*service.DosingEngine, error) {
	cat, err := o.loadCatalog()
	if err != nil {
		return nil, err
	}
	return service.NewDosingEngine(service.StaticCatalog(cat), o.logger(cmd)), nil
}

func (o *rootOptions) print(w io.Writer, v any) error {
	if o.output == "yaml" {
		// Round-trip through JSON so field names follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
