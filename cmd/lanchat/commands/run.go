package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/deviceid"
	"github.com/lanchat/lanchat/internal/logger"
	"github.com/lanchat/lanchat/internal/node"
	"github.com/lanchat/lanchat/internal/redact"
	"github.com/lanchat/lanchat/internal/ui"
)

// runCmd starts a node in the foreground
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a chat node in the foreground",
	Long: `Run a chat node: join the multicast group, announce this peer, serve
attachments and the local API, and keep the message log until interrupted.

On first start a peer id and an API token are created under the state
directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if name, _ := cmd.Flags().GetString("name"); name != "" {
			cfg.Name = name
		}
		if cmd.Flags().Changed("port") {
			cfg.HTTP.Port, _ = cmd.Flags().GetInt("port")
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			cfg.Log.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := paths.EnsureDirectories(); err != nil {
			return err
		}
		created, err := cfg.EnsureToken(paths)
		if err != nil {
			return err
		}
		peerID, err := deviceid.GetOrCreate(paths.PeerIDFile)
		if err != nil {
			return err
		}

		logs, err := logger.New(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Dir: paths.LogsDir})
		if err != nil {
			return err
		}
		defer logs.Close()

		n, err := node.New(node.Options{
			Config: cfg,
			Paths:  paths,
			PeerID: peerID,
			Logger: logs.App,
			Debug:  logs.Debug,
		})
		if err != nil {
			return err
		}
		defer n.Close()

		api := "disabled"
		if port := n.HTTPPort(); port == 0 {
			api = "unavailable (no free port)"
		} else if cfg.API.Enabled {
			api = "http://127.0.0.1:" + strconv.Itoa(port) + "/api/v1"
		}
		fmt.Fprint(cmd.OutOrStdout(), ui.RenderHeader(Version, []ui.Field{
			{Label: "Name", Value: cfg.Name},
			{Label: "Peer", Value: peerID},
			{Label: "Group", Value: fmt.Sprintf("%s:%d", cfg.Network.Group, cfg.Network.Port)},
			{Label: "API", Value: api},
			{Label: "Home", Value: redact.Path(paths.ConfigDir)},
		}))
		if created {
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderDim("  A new API token was saved to "+redact.Path(paths.ConfigFile)+"; show it with `lanchat token`."))
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderDim("  Press Ctrl+C to leave the chat"))

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := n.Run(ctx); err != nil {
			logs.App.Error("node_stopped", zap.Error(err))
			return err
		}
		logs.App.Info("node_stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().String("name", "", "Display name (overrides config)")
	runCmd.Flags().Int("port", 0, "HTTP port for attachments and the API (0 scans the configured range)")
}
