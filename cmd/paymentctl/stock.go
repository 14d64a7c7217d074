package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/spf13/cobra"
)

func stockCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Read and set product stock",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [product-id]",
		Short: "Print the stock on hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, st store.Store) error {
				stock, err := st.GetStock(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], stock)
				return nil
			})
		},
	})

	set := &cobra.Command{
		Use:   "set [product-id] [quantity]",
		Short: "Create or update a product's stock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil || qty < 0 {
				return fmt.Errorf("quantity must be a non-negative integer")
			}
			name, _ := cmd.Flags().GetString("name")
			return withStore(cmd, open, func(ctx context.Context, st store.Store) error {
				if err := st.UpsertProduct(ctx, args[0], name, qty); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], qty)
				return nil
			})
		},
	}
	set.Flags().String("name", "", "Product name")

	cmd.AddCommand(set)
	return cmd
}
