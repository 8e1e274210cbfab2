package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or resume an assessment session",
	Long: `Start a new session against --target, or resume --session.

Units left running by a crashed process are rolled back and retried. A unit
that fails in a sequential phase stops the run; resolve the cause and run
again with --session to continue from its last checkpoint.

Examples:
  dokodemodoor run --target https://app.example
  dokodemodoor run --session 1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed`,
	RunE: runRun,
}

var (
	runTarget  string
	runSession string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runTarget, "target", "", "Target URL for a new session")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session ID to resume")
	runCmd.MarkFlagsMutuallyExclusive("target", "session")
	runCmd.MarkFlagsOneRequired("target", "session")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// The first signal cancels the run so interrupted units are reset;
	// a second one falls through to the default handler.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer lock.ReleaseAll()
	go func() {
		<-ctx.Done()
		stop()
	}()

	sessionID := runSession
	if sessionID == "" {
		session, err := a.pipeline.Start(ctx, runTarget)
		if err != nil {
			return err
		}
		sessionID = session.ID
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s started for %s\n", session.ID, session.Target)
	}

	report, runErr := a.pipeline.Run(ctx, sessionID)
	if report != nil && report.Session != nil {
		rows := service.BuildSummary(a.registry, report.Session, report.Metrics, report.Phases)
		if err := service.RenderSummary(cmd.OutOrStdout(), rows); err != nil {
			logger.Warn("rendering summary", "error", err)
		}
		if report.Archived != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Deliverables archived to %s\n", report.Archived)
		}
	}

	var phaseErr *service.PhaseFailedError
	switch {
	case runErr == nil:
		return nil
	case errors.As(runErr, &phaseErr):
		fmt.Fprintf(cmd.ErrOrStderr(), "Resume with: dokodemodoor run --session %s\n", sessionID)
		return runErr
	case errors.Is(runErr, context.Canceled):
		return fmt.Errorf("session %s interrupted: %w", sessionID, runErr)
	default:
		return runErr
	}
}
