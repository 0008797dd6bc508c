package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PaulFidika/unlockkit/config"
)

func expireCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expire-intents",
		Short: "Expire abandoned intents and retry pending refunds once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			expired, err := a.workflow.ExpireAbandoned(ctx, limit)
			if err != nil {
				return err
			}
			refunded, err := a.workflow.RetryRefunds(ctx, limit)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"expired": expired, "refunds_retried": refunded}).Info("maintenance done")
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum intents to process per sweep")
	return cmd
}
