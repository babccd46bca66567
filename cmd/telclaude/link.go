package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	linkCmd.AddCommand(linkNewCmd)
}

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Manage identity link codes",
}

var linkNewCmd = &cobra.Command{
	Use:   "new <local-user-id>",
	Short: "Issue a one-time link code",
	Long: "Generate a short-lived code the user sends from their chat account to\n" +
		"bind it to the given local identity.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		code, err := st.NewLinkCode(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("link code for %s: %s\n", args[0], code)
		return nil
	},
}
