package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/routecore/pkg/engine"
	"github.com/zen-systems/routecore/pkg/policy"
)

func routeCmd() *cobra.Command {
	var (
		dryRun      bool
		jsonOut     bool
		actorID     string
		role        string
		timeout     time.Duration
		constraints map[string]string
		session     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "route [query]",
		Short: "Route one request through the decision pipeline",
		Long: `Runs a request through understanding, intent matching, planning,
	policy and scoring, then executes the plan.

	Use --dry-run to stop after the policy check. Reads the query from stdin
	when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := readQuery(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, newLogger())
			if err != nil {
				return err
			}
			defer rt.Close()

			req := engine.Request{
				Query:       query,
				Session:     session,
				Constraints: constraints,
				Actor:       policy.Actor{ID: actorID, Role: role},
				DryRun:      dryRun,
			}
			if timeout > 0 {
				req.Deadline = time.Now().Add(timeout)
			}
			res := rt.engine.Submit(ctx, req)

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after the policy check")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")
	cmd.Flags().StringVar(&actorID, "actor", "cli", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "actor role (default from engine config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request deadline (default from engine config)")
	cmd.Flags().StringToStringVar(&constraints, "constraint", nil, "request constraint key=value (repeatable)")
	cmd.Flags().StringToStringVar(&session, "session", nil, "session context key=value (repeatable)")

	return cmd
}

func readQuery(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	q := strings.TrimSpace(string(data))
	if q == "" {
		return "", fmt.Errorf("query is required")
	}
	return q, nil
}

func printResult(out io.Writer, res engine.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "DECISION\t%s\n", res.DecisionID)
	fmt.Fprintf(w, "REGISTRY\t%s\n", res.RegistryVersion)
	fmt.Fprintf(w, "INTENT\t%s (score %.2f, confidence %.2f)\n",
		res.MatchedIntent.IntentID, res.MatchedIntent.Score, res.Confidence)
	if res.FallbackUsed {
		fmt.Fprintf(w, "FALLBACK\t%s -> %s\n", res.FallbackReason, res.Model)
	}
	fmt.Fprintf(w, "RISK\t%s\n", res.RiskLevel)
	if b := res.Budget; b != nil {
		fmt.Fprintf(w, "BUDGET\t%.4f of %.4f USD\n", b.ReservedUSD, b.MaxUSD)
	}
	fmt.Fprintf(w, "STATE\t%s\n", res.State)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(res.Choices) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tCAPABILITY\tKIND\tCOST\tSCORE")
		for _, c := range res.Choices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.3f\n", c.NodeID, c.CapabilityID, c.Kind, c.Cost, c.Score)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if res.Blocked {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "BLOCKED by policy:")
		for _, v := range res.Violations {
			fmt.Fprintf(out, "  - [%s] %s\n", v.Rule, v.Message)
			if v.Suggestion != "" {
				fmt.Fprintf(out, "    %s\n", v.Suggestion)
			}
		}
	}

	if res.Outcome != nil {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tCAPABILITY\tSTATUS\tATTEMPTS\tLATENCY")
		for _, n := range res.Outcome.Nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\n", n.NodeID, n.CapabilityID, n.Status, n.Attempts, n.LatencyMs)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nsuccess=%t total_latency=%dms\n", res.Outcome.Success, res.Outcome.TotalLatencyMs)
	}

	if len(res.Recalled) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Similar past decisions:")
		for _, r := range res.Recalled {
			fmt.Fprintf(out, "  %s  %s  score=%.2f success=%t\n", r.DecisionID, r.IntentID, r.Score, r.Success)
		}
	}
	return nil
}
