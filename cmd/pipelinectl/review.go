package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/pkg/models"
)

func reviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <run-id>",
		Short: "Step through pending mappings and approve or reject each one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd)
			list, err := c.ListMappings(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var pending []models.MappingCandidate
			for _, m := range list.Mappings {
				if m.Status == models.MappingStatusPending {
					pending = append(pending, m)
				}
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, "no mappings awaiting review")
				return nil
			}

			decisions, err := promptDecisions(cmd.InOrStdin(), out, pending)
			if err != nil {
				return err
			}
			if len(decisions) == 0 {
				fmt.Fprintln(out, "nothing submitted")
				return nil
			}

			res, err := c.SubmitApprovals(cmd.Context(), args[0], decisions)
			if err != nil {
				return err
			}
			return printYAML(out, res)
		},
	}
}

// promptDecisions asks y/n/s for each candidate. Skipped candidates stay
// pending; end of input skips the rest.
func promptDecisions(in io.Reader, out io.Writer, pending []models.MappingCandidate) ([]hitl.Decision, error) {
	scanner := bufio.NewScanner(in)
	var decisions []hitl.Decision

	for i, m := range pending {
		fmt.Fprintf(out, "\n[%d/%d] %s.%s -> %s.%s (confidence %.2f)\n",
			i+1, len(pending), m.SourceTable, m.SourceColumn, m.TargetTable, m.TargetColumn, m.Confidence)
		if m.Rationale != "" {
			fmt.Fprintf(out, "  %s\n", m.Rationale)
		}

		for {
			fmt.Fprint(out, "approve? [y/n/s] ")
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return nil, fmt.Errorf("read answer: %w", err)
				}
				fmt.Fprintln(out)
				return decisions, nil
			}

			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			switch answer {
			case "y", "yes":
				decisions = append(decisions, hitl.Decision{MappingID: m.ID, Status: models.MappingStatusApproved})
			case "n", "no":
				decisions = append(decisions, hitl.Decision{MappingID: m.ID, Status: models.MappingStatusRejected})
			case "s", "skip", "":
			default:
				fmt.Fprintf(out, "unrecognized answer %q\n", answer)
				continue
			}
			break
		}
	}
	return decisions, nil
}
