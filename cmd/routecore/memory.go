package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routecore/pkg/memory"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Query the routing memory",
		Long:  "Reads decisions persisted to the SQLite routing memory (memory.db_path).",
	}
	cmd.AddCommand(memoryRecallCmd())
	cmd.AddCommand(memoryListCmd())
	return cmd
}

// openStoredMemory opens the configured SQLite memory for reading.
func openStoredMemory(ctx context.Context) (*memory.Memory, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	path := cfg.Engine.Memory.DBPath
	if path == "" {
		return nil, fmt.Errorf("memory.db_path is not configured")
	}
	store, err := memory.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return memory.New(ctx, store, memory.WithLogger(newLogger())), nil
}

func closeMemory(m *memory.Memory) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Close(ctx)
}

func memoryRecallCmd() *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "recall [text]",
		Short: "Find past decisions similar to a description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openStoredMemory(cmd.Context())
			if err != nil {
				return err
			}
			defer closeMemory(m)

			hits, err := m.Recall(cmd.Context(), args[0], topK)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No similar decisions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tDECISION\tINTENT\tPATH\tSUCCESS")
			for _, h := range hits {
				fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%t\n", h.Score, h.DecisionID, h.Log.Summary.IntentID,
					strings.Join(h.Log.Summary.Path, " > "), h.Log.Outcome.Success)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&topK, "top", "k", 5, "number of decisions to return")
	return cmd
}

func memoryListCmd() *cobra.Command {
	var (
		intentID     string
		capabilityID string
		failedOnly   bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent decisions with exact filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openStoredMemory(cmd.Context())
			if err != nil {
				return err
			}
			defer closeMemory(m)

			f := memory.Filter{IntentID: intentID, CapabilityID: capabilityID, Limit: limit}
			if failedOnly {
				ok := false
				f.Success = &ok
			}
			logs, err := m.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printLogs(cmd.OutOrStdout(), logs)
		},
	}

	cmd.Flags().StringVar(&intentID, "intent", "", "only decisions routed to this intent")
	cmd.Flags().StringVar(&capabilityID, "capability", "", "only decisions that chose this capability")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only unsuccessful decisions")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of decisions")
	return cmd
}

func printLogs(out io.Writer, logs []memory.DecisionLog) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDECISION\tINTENT\tRISK\tEXECUTED\tSUCCESS\tLATENCY\tCOST")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\t%dms\t$%.4f\n",
			l.Timestamp.Format(time.RFC3339), l.DecisionID, l.Summary.IntentID, l.Summary.Risk,
			l.Outcome.Executed, l.Outcome.Success, l.Outcome.LatencyMs, l.Outcome.CostUSD)
	}
	return w.Flush()
}
