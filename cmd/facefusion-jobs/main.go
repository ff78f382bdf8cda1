// facefusion-jobs manages face swap jobs from the command line. It works on
// the same job store as facefusion-api.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/app"
	"github.com/szytwo/facefusion/internal/config"
)

// Exit codes. A run whose step failed is told apart from a rejected command.
const (
	exitError      = 1
	exitStepFailed = 2
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "facefusion-jobs",
	Short:         "Manage face swap jobs",
	Long:          `Create, edit, submit and run face swap jobs stored under JOBS_PATH.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, apperrors.ErrStepExecution) {
			os.Exit(exitStepFailed)
		}
		os.Exit(exitError)
	}
}

// withApp builds the application for one command and closes it afterwards.
// Commands that only edit records skip the step processor.
func withApp(cmd *cobra.Command, runs bool, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	var opts []app.Option
	if !runs {
		opts = append(opts, app.WithoutProcessor())
	}

	a, err := app.New(ctx, config.LoadServiceConfig(), nil, opts...)
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
