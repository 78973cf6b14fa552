// Package cli wires the service processes and operational commands: the
// combined API/worker server plus index bootstrap, schema migration,
// orphan reporting, re-indexing and tool-token rotation.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/version"
)

// cfgFile is the --config flag value. Empty means environment variables
// and defaults only.
var cfgFile string

// RootCmd is the entry point for all newrag commands.
var RootCmd = &cobra.Command{
	Use:           "newrag",
	Short:         "multi-tenant document knowledge base",
	Long:          "newrag ingests documents through OCR and embedding into a hybrid search index and serves retrieval over HTTP and MCP.",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: environment variables only)")
	RootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return common.PermanentInput(err)
	})
}

// Execute runs the CLI and maps the error taxonomy onto exit codes:
// 0 success, 2 user error, 1 internal error.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		switch common.KindOf(err) {
		case common.KindPermanentInput, common.KindPermission:
			return 2
		default:
			return 1
		}
	}
	return 0
}

// loadConfig reads and validates the configuration shared by all commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, common.PermanentInput(fmt.Errorf("load config: %w", err))
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, common.PermanentInput(err)
	}
	common.ConfigureLogger(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	return cfg, nil
}

// userError marks a command failure caused by the caller, not the system.
func userError(format string, args ...interface{}) error {
	return common.PermanentInputf(format, args...)
}
