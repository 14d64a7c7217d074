package main

import (
	"context"
	"fmt"
	"os"

	"github.com/example/ec-payments/internal/app"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/spf13/cobra"
)

var Version = "dev"

// storeOpener returns the configured store and a release func.
type storeOpener func(ctx context.Context) (store.Store, func() error, error)

func main() {
	if err := newRootCmd(openConfiguredStore).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(open storeOpener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operator tool for the payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orderCmd(open))
	rootCmd.AddCommand(sideEffectsCmd(open))
	rootCmd.AddCommand(stockCmd(open))
	rootCmd.AddCommand(adminCmd())

	return rootCmd
}

func openConfiguredStore(ctx context.Context) (store.Store, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreBackend == config.StoreMemory {
		return nil, nil, fmt.Errorf("STORE_BACKEND=memory has no state to operate on")
	}
	return app.OpenStore(ctx, cfg)
}

func withStore(cmd *cobra.Command, open storeOpener, fn func(ctx context.Context, st store.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, closeFn, err := open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeFn()
	return fn(ctx, st)
}
