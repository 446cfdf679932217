package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCursorCmd() *cobra.Command {
	cursorCmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or rewind scan cursors",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print every committed cursor as JSON lines",
		RunE:  runCursorList,
	}
	cursorCmd.AddCommand(listCmd)

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Overwrite one contract's cursor so the next run rescans from block+1",
		RunE:  runCursorSet,
	}
	setCmd.Flags().String("chain", "", "chain id")
	setCmd.Flags().String("contract", "", "contract address or name (empty for the address-less watch)")
	setCmd.Flags().Uint64("block", 0, "last block to treat as scanned")
	_ = setCmd.MarkFlagRequired("chain")
	_ = setCmd.MarkFlagRequired("block")
	cursorCmd.AddCommand(setCmd)

	return cursorCmd
}

func runCursorSet(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	chainID, _ := cmd.Flags().GetString("chain")
	contract, _ := cmd.Flags().GetString("contract")
	block, _ := cmd.Flags().GetUint64("block")

	key, err := a.orchestrator().ResetCursor(ctx, chainID, contract, block)
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %d\n", key, block)
	return nil
}

func runCursorList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cursors, err := a.store.Cursors(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, c := range cursors {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}
