package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newTraverseCmd refreshes sources once and prints the traversal reports.
func newTraverseCmd() *cobra.Command {
	var failOnError bool
	cmd := &cobra.Command{
		Use:   "traverse [source-id...]",
		Short: "Traverse sitemap sources once and queue discovered URLs",
		Long: `Runs one traversal and reconciliation for each named source, or for
every active source when none are named, and prints the reports as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reports, err := appInstance.Traverse(cmd.Context(), args...)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(reports); encErr != nil {
				return fmt.Errorf("write reports: %w", encErr)
			}
			if err != nil {
				return fmt.Errorf("traverse: %w", err)
			}
			if failOnError {
				for _, rep := range reports {
					if rep.Failed {
						return fmt.Errorf("source %s failed: %s", rep.SourceID, rep.Error)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "exit non-zero when any source fails")
	return cmd
}
