package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/szytwo/facefusion/internal/app"
	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/jobid"
	"github.com/szytwo/facefusion/internal/retention"
)

var (
	createPrefix   string
	stepArgs       string
	stepIndex      int
	listStatus     string
	runProviders   []string
	runDownloads   []string
	runDevice      string
	processSources []string
	processTarget  string
)

func init() {
	createCmd.Flags().StringVar(&createPrefix, "prefix", jobid.PrefixCLI, "Prefix of a generated job id")

	addStepCmd.Flags().StringVar(&stepArgs, "args", "", "Step arguments as a JSON object")
	addStepCmd.Flags().IntVar(&stepIndex, "index", -1, "Insert before this step instead of appending")
	_ = addStepCmd.MarkFlagRequired("args")
	remixStepCmd.Flags().StringVar(&stepArgs, "args", "{}", "Step arguments as a JSON object")

	listCmd.Flags().StringVar(&listStatus, "status", "", "Only list jobs in this status")

	for _, cmd := range []*cobra.Command{runCmd, processCmd} {
		cmd.Flags().StringSliceVar(&runProviders, "execution-providers", nil, "Execution providers, e.g. cuda,cpu")
		cmd.Flags().StringSliceVar(&runDownloads, "download-providers", nil, "Model download providers")
		cmd.Flags().StringVar(&runDevice, "execution-device-id", "", "Execution device id")
	}

	processCmd.Flags().StringArrayVar(&processSources, "source", nil, "Source face image (repeatable)")
	processCmd.Flags().StringVar(&processTarget, "target", "", "Target image or video")
	_ = processCmd.MarkFlagRequired("source")
	_ = processCmd.MarkFlagRequired("target")

	rootCmd.AddCommand(
		initCmd, clearCmd, createCmd, getCmd, listCmd, deleteCmd, releaseCmd,
		addStepCmd, remixStepCmd, removeStepCmd,
		submitCmd, runCmd, runAllCmd, retryCmd, processCmd, sweepCmd,
	)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the job store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Job store ready at %s\n", a.Config.JobsPath)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			return a.Manager.ClearAll(ctx)
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create [id]",
	Short: "Create a draft job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := jobid.Suggest(createPrefix)
		if len(args) == 1 {
			id = args[0]
		}
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			j, err := a.Manager.Create(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			j, err := a.Manager.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			jobs, err := a.Manager.List(ctx, job.Status(listStatus))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", j.ID, j.Status, len(j.Steps), j.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			return a.Manager.Delete(ctx, args[0])
		})
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Drop the run claim of a job whose runner died",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			return a.Manager.ReleaseClaim(ctx, args[0])
		})
	},
}

var addStepCmd = &cobra.Command{
	Use:   "add-step <id>",
	Short: "Add a step to a draft job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stepArguments, err := parseArgs(stepArgs)
		if err != nil {
			return err
		}
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			var j *job.Job
			if stepIndex >= 0 {
				j, err = a.Manager.InsertStep(ctx, args[0], stepIndex, stepArguments)
			} else {
				j, err = a.Manager.AddStep(ctx, args[0], stepArguments)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		})
	},
}

var remixStepCmd = &cobra.Command{
	Use:   "remix-step <id> <index>",
	Short: "Add a step that processes the output of step <index>",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[1])
		if err != nil {
			return err
		}
		stepArguments, err := parseArgs(stepArgs)
		if err != nil {
			return err
		}
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			j, err := a.Manager.RemixStep(ctx, args[0], index, stepArguments)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		})
	},
}

var removeStepCmd = &cobra.Command{
	Use:   "remove-step <id> <index>",
	Short: "Remove a step from a draft job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			_, err := a.Manager.RemoveStep(ctx, args[0], index)
			return err
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <id>",
	Short: "Queue a draft job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			_, err := a.Manager.Submit(ctx, args[0])
			return err
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Queue a failed job again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			_, err := a.Manager.Retry(ctx, args[0])
			return err
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
			status, err := a.Service.RunJob(ctx, args[0], runConfig(cmd))
			if status != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], status)
			}
			return err
		})
	},
}

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run every queued job with the configured execution settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
			results, err := a.Service.RunAll(ctx)
			failed := 0
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", r.JobID, r.Status)
				if r.Err != nil {
					failed++
				}
			}
			if err != nil {
				return err
			}
			if failed > 0 {
				return apperrors.StepExecution("run-all", apperrors.NoStep, fmt.Errorf("%d of %d jobs failed", failed, len(results)))
			}
			return nil
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Create, submit and run a one-step job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
			result, err := a.Service.Process(ctx, job.ProcessRequest{
				Prefix:      jobid.PrefixCLI,
				SourcePaths: processSources,
				TargetPath:  processTarget,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.OutputPath)
			return nil
		})
	},
}

var sweepMaxAge int

var sweepCmd = &cobra.Command{
	Use:   "sweep [dir...]",
	Short: "Remove expired inputs and outputs",
	Long:  `Remove entries older than --days from each dir, or from the input and output roots when no dir is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
			if len(args) == 0 && !cmd.Flags().Changed("days") {
				return a.Sweeper.SweepAll(ctx)
			}
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{a.Config.InputPath, a.Config.OutputPath}
			}
			maxAge := a.Config.RetentionMaxAge
			if cmd.Flags().Changed("days") {
				maxAge = retention.Days(sweepMaxAge)
			}
			for _, dir := range dirs {
				result, err := a.Sweeper.Sweep(ctx, dir, maxAge)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: removed %d\n", dir, len(result.Removed))
				if err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	sweepCmd.Flags().IntVar(&sweepMaxAge, "days", 1, "Maximum age in days")
}

// runConfig returns the execution settings given on the command line, or
// nil to use the configured ones.
func runConfig(cmd *cobra.Command) *job.RunConfig {
	flags := cmd.Flags()
	if !flags.Changed("execution-providers") && !flags.Changed("download-providers") && !flags.Changed("execution-device-id") {
		return nil
	}
	cfg := app.LoadRunConfigFromEnv()
	if flags.Changed("execution-providers") {
		cfg.ExecutionProviders = runProviders
	}
	if flags.Changed("download-providers") {
		cfg.DownloadProviders = runDownloads
	}
	if flags.Changed("execution-device-id") {
		cfg.ExecutionDeviceID = runDevice
	}
	return &cfg
}

func parseArgs(raw string) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, apperrors.Validation("args", fmt.Sprintf("--args must be a JSON object: %v", err))
	}
	return args, nil
}

func parseIndex(raw string) (int, error) {
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation("index", fmt.Sprintf("step index %q is not an integer", raw))
	}
	return index, nil
}
