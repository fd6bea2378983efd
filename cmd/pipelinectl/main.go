package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hitl-pipeline/backend/internal/client"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/pkg/models"
)

const defaultServer = "http://127.0.0.1:8080"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate and review pipeline runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("server", envOr("PIPELINE_SERVER", defaultServer), "Pipeline server base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("PIPELINE_TOKEN"), "Bearer token for the API")

	rootCmd.AddCommand(
		startCmd(),
		statusCmd(),
		mappingsCmd(),
		approveCmd(),
		reviewCmd(),
		watchCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return client.New(server, client.WithToken(token))
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <uri>",
		Short: "Create a run for a source data set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			format, _ := cmd.Flags().GetString("format")
			deferStart, _ := cmd.Flags().GetBool("defer")
			watch, _ := cmd.Flags().GetBool("watch")

			c := apiClient(cmd)
			accepted, err := c.CreateRun(cmd.Context(), models.SourceDescriptor{
				URI:     args[0],
				Dataset: dataset,
				Format:  format,
			}, deferStart || watch)
			if err != nil {
				return err
			}
			if !watch || deferStart {
				return printYAML(cmd.OutOrStdout(), accepted)
			}

			// subscribe before starting so no event is missed
			return watchRun(cmd, c, accepted.RunID, func() error {
				return c.StartRun(cmd.Context(), accepted.RunID)
			})
		},
	}
	cmd.Flags().String("dataset", "", "Logical data set name")
	cmd.Flags().String("format", "", "Source format (csv, parquet, ...)")
	cmd.Flags().Bool("defer", false, "Create the run without starting it")
	cmd.Flags().Bool("watch", false, "Start the run and stream its events")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show one run, or list all runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd)
			if len(args) == 0 {
				runs, err := c.ListRuns(cmd.Context())
				if err != nil {
					return err
				}
				return printYAML(cmd.OutOrStdout(), runs)
			}
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), run)
		},
	}
}

func mappingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings <run-id>",
		Short: "List a run's mapping candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pendingOnly, _ := cmd.Flags().GetBool("pending")
			list, err := apiClient(cmd).ListMappings(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if pendingOnly {
				kept := list.Mappings[:0]
				for _, m := range list.Mappings {
					if m.Status == models.MappingStatusPending {
						kept = append(kept, m)
					}
				}
				list.Mappings = kept
			}
			return printYAML(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().Bool("pending", false, "Only show candidates awaiting review")
	return cmd
}

// decisionFile is the document read by approve --file.
type decisionFile struct {
	Decisions []struct {
		MappingID string `yaml:"mapping_id"`
		Status    string `yaml:"status"`
	} `yaml:"decisions"`
}

func loadDecisions(r io.Reader) ([]hitl.Decision, error) {
	var doc decisionFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse decisions: %w", err)
	}
	out := make([]hitl.Decision, 0, len(doc.Decisions))
	for _, d := range doc.Decisions {
		out = append(out, hitl.Decision{MappingID: d.MappingID, Status: models.MappingStatus(d.Status)})
	}
	return out, nil
}

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <run-id> [mapping-id...]",
		Short: "Submit decisions for a run waiting for review",
		Long: "Approve the listed mappings, or submit the decisions in a YAML file:\n\n" +
			"  decisions:\n" +
			"    - mapping_id: 6f1c...\n" +
			"      status: rejected\n",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			reject, _ := cmd.Flags().GetBool("reject")

			var decisions []hitl.Decision
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				if decisions, err = loadDecisions(f); err != nil {
					return err
				}
			}
			status := models.MappingStatusApproved
			if reject {
				status = models.MappingStatusRejected
			}
			for _, id := range args[1:] {
				decisions = append(decisions, hitl.Decision{MappingID: id, Status: status})
			}
			if len(decisions) == 0 {
				return fmt.Errorf("no decisions given; pass mapping ids or --file")
			}

			res, err := apiClient(cmd).SubmitApprovals(cmd.Context(), args[0], decisions)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML file of decisions")
	cmd.Flags().Bool("reject", false, "Reject the listed mapping ids instead of approving them")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream a run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd, apiClient(cmd), args[0], nil)
		},
	}
}

// watchRun streams events as YAML documents. onSubscribed runs once the
// stream is open.
func watchRun(cmd *cobra.Command, c *client.Client, runID string, onSubscribed func() error) error {
	stream, err := c.Subscribe(cmd.Context(), runID)
	if err != nil {
		return err
	}
	defer stream.Close()

	if onSubscribed != nil {
		if err := onSubscribed(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	return client.Drain(stream, func(env models.Envelope) error {
		fmt.Fprintln(out, "---")
		return printYAML(out, env)
	})
}

// printYAML renders v with its JSON field names.
func printYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
