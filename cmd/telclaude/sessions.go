package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telclaude/telclaude/internal/sessions"
)

var (
	sessionsActiveHours int
	sessionsLimit       int
)

func init() {
	sessionsCmd.Flags().IntVar(&sessionsActiveHours, "active", 24, "only sessions touched within this many hours")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "maximum rows")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent agent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := sessions.NewManager(st.DB())
		within := time.Duration(sessionsActiveHours) * time.Hour
		active, err := mgr.ListActive(context.Background(), within, sessionsLimit)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			fmt.Println("no active sessions")
			return nil
		}
		for _, s := range active {
			fmt.Printf("%s\t%s\t%s\tupdated %s\n",
				s.ThreadKey, s.PoolKey, s.SessionID,
				time.UnixMilli(s.UpdatedAtMS).UTC().Format(time.RFC3339))
		}
		return nil
	},
}
