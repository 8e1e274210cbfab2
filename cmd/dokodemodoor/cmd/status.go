package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airsalso/dokodemodoor/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show session status",
	Long:  "Display every unit of a session with its status, attempts, cost and verdicts.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var (
	statusJSON bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer a.Close()

	session, metrics, err := a.pipeline.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		return outputJSON(out, map[string]interface{}{
			"session": session,
			"metrics": metrics,
		})
	}

	fmt.Fprintf(out, "Session: %s\n", session.ID)
	fmt.Fprintf(out, "Target:  %s\n", session.Target)
	fmt.Fprintf(out, "Status:  %s\n", session.Status)
	if session.ArchivedPath != "" {
		fmt.Fprintf(out, "Archive: %s\n", session.ArchivedPath)
	}
	fmt.Fprintln(out)

	return service.RenderSummary(out, service.BuildSummary(a.registry, session, metrics, nil))
}
