package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/spf13/cobra"
)

func orderCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [order-id]",
		Short: "Print an order by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, st store.Store) error {
				o, err := st.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), o)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup [gateway] [order-reference]",
		Short: "Print an order by its gateway order reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, st store.Store) error {
				o, err := st.GetByGatewayReference(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), o)
			})
		},
	})

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
