package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telclaude/telclaude/internal/totpgate"
)

var banReason string

func init() {
	banCmd.Flags().StringVar(&banReason, "reason", "", "reason recorded with the ban")
}

var banCmd = &cobra.Command{
	Use:   "ban <chat-id>",
	Short: "Ban a chat from the kernel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.BanChat(context.Background(), args[0], banReason); err != nil {
			return err
		}
		fmt.Printf("banned chat %s\n", args[0])
		return nil
	},
}

var unbanCmd = &cobra.Command{
	Use:   "unban <chat-id>",
	Short: "Remove a chat ban",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		removed, err := st.UnbanChat(context.Background(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			return validationErr("chat %s is not banned", args[0])
		}
		fmt.Printf("unbanned chat %s\n", args[0])
		return nil
	},
}

var listBansCmd = &cobra.Command{
	Use:   "list-bans",
	Short: "List banned chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		bans, err := st.ListBans(context.Background())
		if err != nil {
			return err
		}
		if len(bans) == 0 {
			fmt.Println("no banned chats")
			return nil
		}
		for _, b := range bans {
			fmt.Printf("%s\t%s\t%s\n", b.ChatID,
				time.UnixMilli(b.BannedAtMS).UTC().Format(time.RFC3339), b.Reason)
		}
		return nil
	},
}

var forceReauthCmd = &cobra.Command{
	Use:   "force-reauth <chat-id>",
	Short: "Invalidate a chat's TOTP session",
	Long:  "Delete the chat's open TOTP session and discard daemon-side state, so\nthe next message triggers a fresh verification challenge.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStoreWith(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		gate := totpgate.New(st, totpgate.NewSocketClient(cfg.TOTPSocket, 0), cfg.SessionTTL)
		if err := gate.ForceReauth(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("forced reauthentication for chat %s\n", args[0])
		return nil
	},
}

