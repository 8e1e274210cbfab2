package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/airsalso/dokodemodoor/internal/lock"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <session-id> <unit>",
	Short: "Roll a session back to a unit's checkpoint",
	Long: `Reset the workspace to the checkpoint recorded for <unit> and return
every later unit to pending. The next run resumes from there.`,
	Args: cobra.ExactArgs(2),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer a.Close()

	stop := lock.InstallExitHandler()
	defer stop()

	session, err := a.pipeline.RollbackTo(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s rolled back to %s (%s)\n",
		session.ID, args[1], session.Checkpoints[args[1]])
	return nil
}
