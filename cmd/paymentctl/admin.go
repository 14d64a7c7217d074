package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/example/ec-payments/internal/auth"
	"github.com/spf13/cobra"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin API credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for ADMIN_PASSWORD_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})

	return cmd
}
