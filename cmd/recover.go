package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRecoverCmd marks executions left running by a crashed process as interrupted.
func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark orphaned job executions as interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Recover(cmd.Context())
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "recovered %d execution(s)\n", n)
			return err
		},
	}
}
