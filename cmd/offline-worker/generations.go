package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/infracollect/offline-worker/cache"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func (c *cli) newGenerationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List cache generations in the configured storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, closeStorage, err := openStorage(cmd.Context(), c.settings.Storage)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer closeStorage()

			current := c.settings.workerConfig().Generation().String()
			return listGenerations(cmd.Context(), cmd.OutOrStdout(), storage, current)
		},
	}
}

func listGenerations(ctx context.Context, out io.Writer, storage cache.Storage, current string) error {
	names, err := storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}
	if len(names) == 0 {
		fmt.Fprintln(out, "No cache generations found")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Generation", "Entries", "Current")
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to open cache %s: %w", name, err)
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return fmt.Errorf("failed to list entries of %s: %w", name, err)
		}

		mark := ""
		if name == current {
			mark = "yes"
		}
		table.Append([]string{name, strconv.Itoa(len(keys)), mark})
	}
	table.Render()
	return nil
}
