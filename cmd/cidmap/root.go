package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tamirms/cidmap"
	"github.com/tamirms/cidmap/config"
	"github.com/tamirms/cidmap/internal/logging"
)

var (
	configPath string
	indexDir   string
	storePath  string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "cidmap",
	Short:         "Resolve CID redirects and deduplicate records by structural key",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded := config.Default()
		if configPath != "" {
			var err error
			if loaded, err = config.Load(configPath); err != nil {
				return err
			}
		}

		flags := cmd.Flags()
		if flags.Changed("index-dir") {
			loaded.IndexDir = indexDir
		}
		if flags.Changed("store") {
			loaded.StorePath = storePath
		}
		if flags.Changed("log-level") {
			loaded.Log.Level = logLevel
		}
		if flags.Changed("log-format") {
			loaded.Log.Format = logFormat
		}
		if err := loaded.Validate(); err != nil {
			return err
		}

		l, err := logging.New(loaded.Log.Level, loaded.Log.Format, os.Stderr)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = l
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	pf.StringVar(&indexDir, "index-dir", "", "directory holding the index files")
	pf.StringVar(&storePath, "store", "", "resolved record store directory")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "log format: text or json")
}

// openMapper opens the indexes under the configured directory.
func openMapper() (*cidmap.Mapper, error) {
	m, err := cidmap.OpenMapper(cfg.IndexDir, cfg.MapperOptions()...)
	if err != nil {
		return nil, fmt.Errorf("open indexes in %s: %w", cfg.IndexDir, err)
	}
	return m, nil
}
