package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/models"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var artifactPath string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute an estimate total from its artifact",
		Long: `Recompute the total from a pricing artifact alone.

The file may hold a bare artifact or a full estimate with an "artifact" field.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := loadArtifact(cmd, artifactPath)
			if err != nil {
				return err
			}
			total, err := estimate.ReplayEstimateTotalFromArtifact(*artifact)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			slog.Debug("artifact replayed", "correlation_id", artifact.CorrelationID, "total", total)

			if opts.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"correlation_id": artifact.CorrelationID,
					"quote_version":  artifact.QuoteVersion,
					"total":          total,
				})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", total)
			return err
		},
	}

	cmd.Flags().StringVarP(&artifactPath, "artifact", "a", "", "artifact or estimate JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

func newExplainCmd(opts *rootOptions) *cobra.Command {
	var artifactPath string

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the factor lines behind an estimate total",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := loadArtifact(cmd, artifactPath)
			if err != nil {
				return err
			}
			total, err := estimate.ReplayEstimateTotalFromArtifact(*artifact)
			if err != nil {
				return fmt.Errorf("explain failed: %w", err)
			}
			lines := estimate.ExplainArtifact(*artifact)

			if opts.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"total": total,
					"lines": lines,
				})
			}
			for _, line := range lines {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&artifactPath, "artifact", "a", "", "artifact or estimate JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}

// loadArtifact accepts either a PricingArtifact or an Estimate wrapping one.
func loadArtifact(cmd *cobra.Command, path string) (*models.PricingArtifact, error) {
	r, err := openInput(cmd, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var wrapper struct {
		Artifact json.RawMessage `json:"artifact"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid artifact JSON: %w", err)
	}
	if len(wrapper.Artifact) > 0 {
		raw = wrapper.Artifact
	}

	var artifact models.PricingArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("invalid artifact JSON: %w", err)
	}
	return &artifact, nil
}
