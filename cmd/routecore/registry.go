package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routecore/pkg/registry"
)

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and validate intent and capability catalogs",
	}
	cmd.AddCommand(registryValidateCmd())
	cmd.AddCommand(registryShowCmd())
	return cmd
}

func registryValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog.yaml]",
		Short: "Validate a catalog without publishing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := registry.LoadFile(args[0])
			if err != nil {
				return err
			}
			snap, err := registry.Build(cat)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Catalog %s is valid: %d intents, %d capabilities.\n",
				snap.Version(), len(snap.Intents()), len(snap.Capabilities()))
			return nil
		},
	}
}

func registryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the intents and capabilities of the configured catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			reg, err := loadRegistry(cfg.RegistryPath)
			if err != nil {
				return err
			}
			snap := reg.Current()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Registry %s (fallback intent %s", snap.Version(), snap.FallbackIntent().ID)
			if m, ok := snap.FallbackModel(); ok {
				fmt.Fprintf(out, ", fallback model %s", m.ID)
			}
			fmt.Fprintln(out, ")")
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT\tDOMAIN\tRISK CEILING\tSTEPS\tKEYWORDS")
			for _, in := range snap.Intents() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", in.ID, in.Domain, in.RiskCeiling, len(in.Steps), strings.Join(in.Keywords, ", "))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(out)

			w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CAPABILITY\tKIND\tRISK\tCOST\tLATENCY\tTAGS")
			for _, c := range snap.Capabilities() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%dms\t%s\n", c.ID, c.Kind, c.RiskClass, c.Cost, c.LatencyMs, strings.Join(c.Tags, ", "))
			}
			return w.Flush()
		},
	}
}
