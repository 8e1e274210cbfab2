package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// buildInfo is stamped by main from linker flags.
type buildInfo struct {
	version string
	commit  string
	date    string
}

var (
	cfgFile string
	build   buildInfo
)

var rootCmd = &cobra.Command{
	Use:   "dokodemodoor",
	Short: "Phased security assessment pipeline driven by AI agents",
	Long: `dokodemodoor runs a fixed pipeline of agent units against a target:
pre-recon, recon, per-category vulnerability analysis, exploitation and
reporting. Every attempt is checkpointed in the workspace repository so a
failed unit can be rolled back and resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build information for the version command.
func SetVersion(version, commit, date string) {
	build = buildInfo{version: version, commit: commit, date: date}
}

// GetVersion returns the stamped version.
func GetVersion() string {
	return build.version
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./.dokodemodoor.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "auto", "log format: auto, text, json")

	// Flags win over file and env values once bound.
	for key, flag := range map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}
