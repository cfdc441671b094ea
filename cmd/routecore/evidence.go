package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routecore/pkg/evidence"
)

func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Work with the signed decision audit trail",
	}
	cmd.AddCommand(evidenceVerifyCmd())
	return cmd
}

func evidenceVerifyCmd() *cobra.Command {
	var (
		keys       string
		digestOnly bool
	)

	cmd := &cobra.Command{
		Use:   "verify [bundle-dir]",
		Short: "Verify the digest and signature of a decision bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !digestOnly && keys == "" {
				cfg, err := loadConfig()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				keys = keyDir(cfg)
			}
			if digestOnly {
				keys = ""
			}
			log, err := evidence.Verify(args[0], keys)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %s verified (intent %s, success=%t).\n",
				log.DecisionID, log.Summary.IntentID, log.Outcome.Success)
			return nil
		},
	}

	cmd.Flags().StringVar(&keys, "key-dir", "", "signing key directory (default <config-dir>/keys)")
	cmd.Flags().BoolVar(&digestOnly, "digest-only", false, "check the digest but not the signature")
	return cmd
}
