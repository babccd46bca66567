package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var auditLimit int

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum rows")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent mediation outcomes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.GetAuditLog(context.Background(), auditLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no audit entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\tchat %s\t%s/%.2f\t%s\t%s\t%dms\n",
				time.UnixMilli(e.CreatedAtMS).UTC().Format(time.RFC3339),
				e.RequestID, e.ChatID, e.Classification, e.Confidence,
				e.Tier, e.Outcome, e.DurationMS)
		}
		return nil
	},
}
