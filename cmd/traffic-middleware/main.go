package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/iszyzyzzy/traffic-middleware/internal/config"
	"github.com/iszyzyzzy/traffic-middleware/internal/version"
)

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	env        string
}

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv exports variables from an optional dotenv file, so ${VAR}
// references in the YAML config resolve. Variables already set in the
// process environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "traffic-middleware",
		Short:        "Billing-cycle bandwidth usage per instance, computed from Prometheus node metrics.",
		Version:      version.String(),
		SilenceUsage: true,
		// Running without a subcommand serves HTTP, like `serve`.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"path to the YAML config (default: config/<env>.yaml, then ./config.yml)")
	root.PersistentFlags().StringVar(&opts.env, "env", config.GetEnv(),
		"environment name: local, dev, docker or prod (defaults to $ENV)")

	root.AddCommand(newServeCommand(opts), newReportCommand(opts))
	return root
}

func (o *options) loadConfig() (config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load(o.env)
}
