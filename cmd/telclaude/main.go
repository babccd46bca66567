package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telclaude/telclaude/common/version"
	"github.com/telclaude/telclaude/internal/config"
	"github.com/telclaude/telclaude/internal/store"
)

var configPath string

// errValidation marks operator mistakes (bad arguments, policy refusals).
// They exit 1; unexpected failures exit 2.
var errValidation = errors.New("validation failed")

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

var rootCmd = &cobra.Command{
	Use:           "telclaude",
	Short:         "telclaude security mediation kernel",
	Long:          "telclaude mediates between untrusted chat channels and a sandboxed agent:\npolicy classification, approvals, TOTP gating, rate limits and capability brokering.",
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to telclaude.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(banCmd, unbanCmd, listBansCmd)
	rootCmd.AddCommand(forceReauthCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(resetDBCmd)
}

// loadConfig reads configuration for a subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, validationErr("%v", err)
	}
	return cfg, nil
}

// openStore opens the kernel store for an operator command.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStoreWith(cfg)
}

// openStoreWith opens the store for an already-loaded config.
func openStoreWith(cfg *config.Config) (*store.Store, error) {
	return store.Open(store.Layout{Root: cfg.DataDir})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errValidation) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
