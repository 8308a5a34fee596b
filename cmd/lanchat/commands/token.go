package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lanchat/lanchat/internal/config"
	"github.com/lanchat/lanchat/internal/ui"
)

// tokenCmd prints or rotates the API token
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the local API token",
	Long: `Print the token that local tools send in the X-API-Token header.

With --rotate a new token is generated and saved. A running node keeps
the old token until it is restarted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		rotate, _ := cmd.Flags().GetBool("rotate")
		if rotate {
			token, err := config.GenerateToken()
			if err != nil {
				return err
			}
			cfg.API.Token = token
			if err := cfg.Save(paths); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), ui.RenderSuccess("Token rotated; restart the node to apply it."))
		} else if _, err := cfg.EnsureToken(paths); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.API.Token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Bool("rotate", false, "Generate and save a new token")
}
