package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lanchat/lanchat/internal/config"
	"github.com/lanchat/lanchat/internal/ui"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "lanchat",
	Short: "lanchat - serverless group chat for the local network",
	Long: `lanchat finds peers on the local network by multicast and keeps a shared
group chat with them. No server, no accounts.

Start a node with "lanchat run". The other commands talk to the running
node through its local API.

Use "lanchat [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		noColor, _ := cmd.Flags().GetBool("no-color")
		ui.SetNoColor(noColor)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("home", "", "State directory (default: $LANCHAT_HOME or ~/.lanchat)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tokenCmd)
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "lanchat\n")
		fmt.Fprintf(out, "  Version:  %s\n", Version)
		fmt.Fprintf(out, "  Commit:   %s\n", Commit)
		fmt.Fprintf(out, "  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// resolvePaths honours --home before the environment default
func resolvePaths(cmd *cobra.Command) (*config.Paths, error) {
	home, _ := cmd.Flags().GetString("home")
	if home != "" {
		return config.PathsAt(home), nil
	}
	return config.GetPaths()
}

// loadConfig resolves the state directory and loads the config inside it
func loadConfig(cmd *cobra.Command) (*config.Paths, *config.Config, error) {
	paths, err := resolvePaths(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(paths)
	if err != nil {
		return nil, nil, err
	}
	return paths, cfg, nil
}
