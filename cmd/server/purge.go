package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete idempotency records older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("retention-days") {
				a.cfg.Sync.RetentionDays = retentionDays
				a.wire()
			}

			result, err := a.purge.Run(cmd.Context())
			if err != nil {
				return err
			}

			a.log.WithFields(logrus.Fields{
				"outcomes": result.Outcomes,
				"batches":  result.Batches,
				"skipped":  result.Skipped,
			}).Info("purge finished")
			return nil
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 90, "keep records newer than this many days")
	return cmd
}
