package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telclaude/telclaude/internal/store"
)

// resetConfirmPhrase must be typed back verbatim before the database is
// destroyed. Non-interactive callers must also set resetAckEnv.
const (
	resetConfirmPhrase = "delete all telclaude data"
	resetAckEnv        = "TELCLAUDE_RESET_DB_ACK"
)

var resetDBCmd = &cobra.Command{
	Use:   "reset-db",
	Short: "Destroy the kernel database",
	Long: "Delete the database and its journal files. Identities, bans, sessions,\n" +
		"memory, jobs and the audit log are all lost. Requires typing a\n" +
		"confirmation phrase; non-interactive use additionally requires\n" +
		resetAckEnv + "=yes.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if !stdinIsTTY() && os.Getenv(resetAckEnv) != "yes" {
			return validationErr("refusing non-interactive reset without %s=yes", resetAckEnv)
		}

		fmt.Printf("This deletes the database under %s.\nType %q to continue: ",
			cfg.DataDir, resetConfirmPhrase)
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return validationErr("no confirmation given")
		}
		if strings.TrimSpace(line) != resetConfirmPhrase {
			return validationErr("confirmation phrase did not match")
		}

		layout := store.Layout{Root: cfg.DataDir}
		dbPath := layout.DBPath()
		for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", p, err)
			}
		}
		fmt.Println("database removed; it will be recreated on next start")
		return nil
	},
}

func stdinIsTTY() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
