package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/example/ec-payments/internal/app"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/logging"
	"github.com/spf13/cobra"
)

func sideEffectsCmd(open storeOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "side-effects",
		Short: "List and retry post-payment side effects",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List paid orders with outstanding side effects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withStore(cmd, open, func(ctx context.Context, st store.Store) error {
				orders, err := st.ListPendingSideEffects(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ORDER\tGATEWAY\tPAID AT\tOUTSTANDING")
				for _, o := range orders {
					paidAt := "-"
					if o.PaidAt != nil {
						paidAt = o.PaidAt.Format("2006-01-02T15:04:05Z07:00")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.ID, o.Gateway, paidAt, strings.Join(o.OutstandingEffects(), ","))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntP("limit", "n", 50, "Maximum orders")

	retry := &cobra.Command{
		Use:   "retry [order-id]",
		Short: "Run the outstanding side effects of a paid order",
		Long: `Run every side effect of the order that is not done yet.

Effects already completed are skipped, so retrying is safe. SMTP settings are
read from the environment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return withStore(cmd, open, func(ctx context.Context, st store.Store) error {
				runErr := app.NewDispatcher(cfg, st, logger).Run(ctx, args[0])

				o, err := st.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				outstanding := o.OutstandingEffects()
				if runErr != nil || len(outstanding) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Order %s incomplete, outstanding: %s\n", o.ID, strings.Join(outstanding, ","))
					return runErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Order %s side effects complete\n", o.ID)
				return nil
			})
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}
