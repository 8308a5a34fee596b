package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/attach"
	"github.com/lanchat/lanchat/internal/ui"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url> [dest]",
	Short: "Download a shared file",
	Long: `Download a file shared by a peer. dest defaults to the downloads
directory. An interrupted download resumes where it stopped.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, err := fetchDest(cmd, args)
		if err != nil {
			return err
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt)
		defer stop()

		bar := ui.NewProgress(cmd.ErrOrStderr(), filepath.Base(dest))
		err = attach.NewFetcher(nil, zap.NewNop()).Download(ctx, args[0], dest, 0, bar.Update)
		bar.Finish()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("interrupted; run the same command again to resume")
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dest)
		return nil
	},
}

// fetchDest picks the output path: an explicit file, a file inside an
// explicit directory, or the URL's file name in the downloads directory
func fetchDest(cmd *cobra.Command, args []string) (string, error) {
	u, err := url.Parse(args[0])
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q", args[0])
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		name = "download"
	}
	if len(args) == 2 {
		if fi, err := os.Stat(args[1]); err == nil && fi.IsDir() {
			return filepath.Join(args[1], name), nil
		}
		return args[1], nil
	}
	paths, err := resolvePaths(cmd)
	if err != nil {
		return "", err
	}
	return filepath.Join(paths.DownloadsDir, name), nil
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
