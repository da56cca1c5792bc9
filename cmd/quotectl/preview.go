package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/reconiq/quote-engine/internal/ingest"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/money"
	"github.com/reconiq/quote-engine/internal/rules"
)

func newPreviewCmd(opts *rootOptions) *cobra.Command {
	var inputPath, rulesPath string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Evaluate pricing rules against a request",
		Long: `Evaluate a pricing request against a rule CSV, in the same order the
server applies them. Rows the server would skip are reported on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, inputPath)
			if err != nil {
				return err
			}
			defer in.Close()

			var req rules.PricingInput
			if err := json.NewDecoder(in).Decode(&req); err != nil {
				return fmt.Errorf("invalid pricing input: %w", err)
			}

			tenantID := uuid.New()
			var records []models.PricingRule
			if rulesPath != "" {
				f, err := openInput(cmd, rulesPath)
				if err != nil {
					return err
				}
				defer f.Close()
				parsed, err := ingest.ParseRules(f, tenantID)
				if err != nil {
					return err
				}
				for _, w := range parsed.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
				}
				records = parsed.Rules
				for i := range records {
					records[i].ID = uuid.New()
				}
				slog.Debug("rules loaded", "path", rulesPath, "count", len(records))
			}

			pctx, err := rules.BuildContext(tenantID, req, records)
			if err != nil {
				return err
			}
			result := rules.ComputeQuotePricing(pctx)

			if opts.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"pricing":      result,
					"coefficients": result.Coefficients(pctx),
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-19s%s\n", "Base subtotal:", dollars(result.BaseSubtotalCents))
			fmt.Fprintf(out, "%-19s%s\n", "Pre-rule subtotal:", dollars(result.PreRuleSubtotalCents))
			for _, applied := range result.AppliedRules {
				fmt.Fprintf(out, "  %-20s %s -> %s\n", applied.Code,
					dollars(applied.SubtotalBeforeCents), dollars(applied.SubtotalAfterCents))
			}
			fmt.Fprintf(out, "%-19s%s\n", "Subtotal:", dollars(result.SubtotalCents))
			_, err = fmt.Fprintf(out, "%-19s%s\n", "Total:", dollars(result.TotalCents))
			return err
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "pricing input JSON file (- for stdin)")
	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "", "pricing rule CSV file")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func dollars(cents int64) string {
	return fmt.Sprintf("$%.2f", money.CentsToDollars(cents))
}
