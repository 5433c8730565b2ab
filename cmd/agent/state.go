package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/mapcamera-watch/dedup"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/reload"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

type sessionSummary struct {
	Session        string `json:"session"`
	Backend        string `json:"backend"`
	Reloads        int    `json:"reloads"`
	LastReloadAt   string `json:"lastReloadAt,omitempty"`
	ForwardedIDs   int    `json:"forwardedIds"`
	PriceCodes     int    `json:"priceCodes"`
	PriceUpdatedAt string `json:"priceUpdatedAt,omitempty"`
}

func newStateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or clear the persisted state of a session",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the reload counter, forwarded ids and cached price table of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, store, err := root.openSession(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			state := reload.LoadState(ctx, store)
			seen, err := dedup.Load(ctx, store, cfg.DedupeMaxSize)
			if err != nil {
				return fmt.Errorf("load forwarded ids: %w", err)
			}

			summary := sessionSummary{
				Session:      cfg.SessionID,
				Backend:      cfg.SessionBackend,
				Reloads:      state.Reloads,
				ForwardedIDs: seen.Len(),
			}
			if state.LastReloadAt > 0 {
				summary.LastReloadAt = time.UnixMilli(state.LastReloadAt).In(cfg.Location()).Format(time.RFC3339)
			}

			raw, err := store.Get(ctx, storage.KeyPriceMaster)
			switch {
			case err == nil:
				if table, decodeErr := models.DecodePriceTable(raw); decodeErr == nil {
					summary.PriceCodes = len(table.Prices)
					summary.PriceUpdatedAt = table.UpdatedAt
				}
			case !errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("read price table: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear every key of a session, as if its tab had been closed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, store, err := root.openSession(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Clear(ctx); err != nil {
				return fmt.Errorf("clear session %q: %w", cfg.SessionID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s cleared\n", cfg.SessionID)
			return nil
		},
	}

	cmd.AddCommand(show, reset)
	return cmd
}
