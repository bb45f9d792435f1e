// Package cli implements clipctl, the operator tool for the clip pipeline
// and the season rankings.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/skillclips/internal/app"
	"github.com/abdul-hamid-achik/skillclips/internal/apperror"
	"github.com/abdul-hamid-achik/skillclips/internal/clipctl/output"
	"github.com/abdul-hamid-achik/skillclips/internal/config"
	"github.com/abdul-hamid-achik/skillclips/internal/logger"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	jsonOutput bool
	quietMode  bool
	noColor    bool
	cfg        *config.Config
	printer    *output.Printer
)

var rootCmd = &cobra.Command{
	Use:   "clipctl",
	Short: "clipctl - operate the skill clip pipeline and rankings",
	Long: `clipctl talks directly to the skillclips database, queue and storage.

Inspect and requeue videos, recompute season rankings and cast votes
from the terminal.

Examples:
  clipctl status 6f1c...          # Processing state of a video
  clipctl recompute               # Rebuild the current season
  clipctl rankings --city Bogotá  # Show the leaderboard`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		printer = output.New(
			output.WithJSON(jsonOutput),
			output.WithQuiet(quietMode),
			output.WithNoColor(noColor),
			output.WithOutput(cmd.OutOrStdout()),
			output.WithErrOutput(cmd.ErrOrStderr()),
		)
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger.Init(cfg.LogLevel)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		switch {
		case printer == nil:
			fmt.Fprintln(os.Stderr, "Error:", err)
		case printer.IsJSON():
			_ = printer.JSON(errorPayload(err))
		default:
			printer.Error("%v", err)
		}
		return err
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Status  int    `json:"status"`
}

func errorPayload(err error) map[string]errorBody {
	return map[string]errorBody{"error": {
		Code:    apperror.Code(err),
		Message: apperror.SafeMessage(err),
		Detail:  err.Error(),
		Status:  apperror.StatusCode(err),
	}}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON (for scripting)")
	rootCmd.PersistentFlags().BoolVar(&quietMode, "quiet", false, "Suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.SetVersionTemplate("clipctl version {{.Version}}\n")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(rankingsCmd)
	rootCmd.AddCommand(voteCmd)
}

// withDeps opens the backends for the duration of fn.
func withDeps(ctx context.Context, fn func(ctx context.Context, deps *app.Deps) error) error {
	log := logger.Default()
	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(logger.WithLogger(ctx, log), deps)
}

func parseID(name, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return id, nil
}
