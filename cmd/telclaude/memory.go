package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telclaude/telclaude/internal/memory"
	"github.com/telclaude/telclaude/internal/rpcauth"
)

func init() {
	memoryCmd.AddCommand(memoryReadCmd, memoryWriteCmd, memoryQuarantineCmd, memoryPromoteCmd)
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and edit the agent's persistent memory",
}

func openMemory() (*memory.Store, func(), error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	return memory.NewStore(st.DB()), func() { st.Close() }, nil
}

var memoryReadCmd = &cobra.Command{
	Use:   "read <category>",
	Short: "Print entries in a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !memory.ValidCategory(args[0]) {
			return validationErr("unknown memory category %q", args[0])
		}
		mem, closeStore, err := openMemory()
		if err != nil {
			return err
		}
		defer closeStore()

		entries, err := mem.Snapshot(context.Background(), args[0], false)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s\t[%s]\t%s\n", e.ID, e.Trust, e.Content)
		}
		return nil
	},
}

var memoryWriteCmd = &cobra.Command{
	Use:   "write <category> <content>",
	Short: "Add an entry at trusted level",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !memory.ValidCategory(args[0]) {
			return validationErr("unknown memory category %q", args[0])
		}
		mem, closeStore, err := openMemory()
		if err != nil {
			return err
		}
		defer closeStore()

		// Operator writes carry the same trust as the agent's own notes.
		e, err := mem.Propose(context.Background(), args[0], args[1], rpcauth.ScopeAgent)
		if err != nil {
			return err
		}
		fmt.Printf("wrote entry %s\n", e.ID)
		return nil
	},
}

var memoryQuarantineCmd = &cobra.Command{
	Use:   "quarantine <entry-id>",
	Short: "Demote an entry to quarantined",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, closeStore, err := openMemory()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := mem.Quarantine(context.Background(), args[0]); err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				return validationErr("no memory entry %s", args[0])
			}
			return err
		}
		fmt.Printf("quarantined entry %s\n", args[0])
		return nil
	},
}

var memoryPromoteCmd = &cobra.Command{
	Use:   "promote <entry-id>",
	Short: "Promote a quarantined entry to trusted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, closeStore, err := openMemory()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := mem.Promote(context.Background(), args[0]); err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				return validationErr("no memory entry %s", args[0])
			}
			return err
		}
		fmt.Printf("promoted entry %s\n", args[0])
		return nil
	},
}
