package commands

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
	"github.com/lanchat/lanchat/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the local node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.status(cmd.Context())
		if err != nil {
			return err
		}
		s := st.Self
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", ui.Color(ui.Bold, s.Name), ui.RenderDim("("+s.PeerID+")"))
		fmt.Fprintf(out, "  Running:   %v\n", s.Running)
		fmt.Fprintf(out, "  Network:   %s\n", readiness(s.NetworkReady))
		fmt.Fprintf(out, "  Address:   %s:%d\n", s.LocalIP, s.HTTPPort)
		fmt.Fprintf(out, "  Peers:     %d online\n", s.PeersOnline)
		fmt.Fprintf(out, "  Messages:  %d\n", s.Messages)
		fmt.Fprintf(out, "  Queued:    %d\n", s.QueueSize)
		if s.BufferedOps > 0 {
			fmt.Fprintf(out, "  Buffered:  %d ops waiting for their message\n", s.BufferedOps)
		}
		if st.APIEnabled {
			fmt.Fprintf(out, "  API:       %s\n", st.BaseURL)
		} else {
			fmt.Fprintf(out, "  API:       disabled\n")
		}
		return nil
	},
}

func readiness(ok bool) string {
	if ok {
		return ui.Color(ui.Green, "ready")
	}
	return ui.Color(ui.Yellow, "offline (sends are queued)")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers currently online",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var resp struct {
			Peers []presence.Peer `json:"peers"`
		}
		if err := c.do(cmd.Context(), http.MethodGet, "/peers", nil, nil, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(resp.Peers) == 0 {
			fmt.Fprintln(out, ui.RenderDim("Nobody else is online."))
			return nil
		}
		now := time.Now()
		for _, p := range resp.Peers {
			fmt.Fprintln(out, ui.RenderPeer(p, now))
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Print recent messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetString("before")
		q := url.Values{"limit": {strconv.Itoa(limit)}}
		if before != "" {
			q.Set("before", before)
		}

		var pin struct {
			Pinned *chatlog.Pin `json:"pinned"`
		}
		if err := c.do(cmd.Context(), http.MethodGet, "/pin", nil, nil, &pin); err != nil {
			return err
		}
		var resp struct {
			Messages []chatlog.Message `json:"messages"`
		}
		if err := c.do(cmd.Context(), http.MethodGet, "/messages", q, nil, &resp); err != nil {
			return err
		}
		printMessages(cmd.OutOrStdout(), pin.Pinned, resp.Messages, c.selfID)
		return nil
	},
}

func printMessages(out io.Writer, pin *chatlog.Pin, msgs []chatlog.Message, selfID string) {
	if pin != nil {
		fmt.Fprintln(out, ui.RenderPin(*pin))
		fmt.Fprintln(out)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, ui.RenderDim("No messages yet."))
		return
	}
	for _, m := range msgs {
		fmt.Fprintln(out, ui.RenderMessage(m, selfID))
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		req := protocol.SendRequest{Text: strings.Join(args, " ")}
		req.ReplyTo, _ = cmd.Flags().GetString("reply-to")
		var resp struct {
			MessageID string `json:"message_id"`
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/send", nil, req, &resp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.MessageID)
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <path>",
	Short: "Share a file with the group",
	Long: `Share a file with the group. The node copies the file into its
attachment store and announces a download link; peers fetch it directly
from this machine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		spinner := ui.NewSpinner("Sharing " + filepath.Base(path) + "...")
		spinner.Start()
		var resp struct {
			MessageID string `json:"message_id"`
		}
		err = c.do(cmd.Context(), http.MethodPost, "/send/file", nil, protocol.SendFileRequest{Path: path}, &resp)
		spinner.Stop()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.MessageID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text>...",
	Short: "Replace the text of one of your messages",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		req := protocol.EditRequest{MessageID: args[0], Text: strings.Join(args[1:], " ")}
		var resp struct {
			EditCount int `json:"edit_count"`
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/edit", nil, req, &resp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderSuccess(fmt.Sprintf("Edited (revision %d)", resp.EditCount)))
		return nil
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo <message-id>",
	Short: "Remove one of your messages for everyone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postTarget(cmd, "/undo", args[0], "Removed")
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <message-id>",
	Short: "Pin a message for the group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var resp struct {
			Pinned chatlog.Pin `json:"pinned"`
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/pin", nil, protocol.PinRequest{MessageID: args[0]}, &resp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderPin(resp.Pinned))
		return nil
	},
}

var unpinCmd = &cobra.Command{
	Use:   "unpin [message-id]",
	Short: "Clear the pinned message",
	Long: `Clear the pinned message. With a message id the pin is cleared only
if that message is the one pinned.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return postTarget(cmd, "/unpin", args[0], "Unpinned")
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var pin struct {
			Pinned *chatlog.Pin `json:"pinned"`
		}
		if err := c.do(cmd.Context(), http.MethodGet, "/pin", nil, nil, &pin); err != nil {
			return err
		}
		if pin.Pinned == nil {
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderDim("Nothing is pinned"))
			return nil
		}
		return postTarget(cmd, "/unpin", pin.Pinned.MessageID, "Unpinned")
	},
}

func postTarget(cmd *cobra.Command, path, id, done string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.do(cmd.Context(), http.MethodPost, path, nil, protocol.TargetRequest{MessageID: id}, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderSuccess(done))
	return nil
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		req := protocol.ReactRequest{MessageID: args[0], Emoji: args[1]}
		if cmd.Flags().Changed("remove") {
			remove, _ := cmd.Flags().GetBool("remove")
			add := !remove
			req.Add = &add
		}
		var resp struct {
			Changed bool `json:"changed"`
		}
		if err := c.do(cmd.Context(), http.MethodPost, "/react", nil, req, &resp); err != nil {
			return err
		}
		if !resp.Changed {
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderDim("Nothing changed"))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderSuccess("Done"))
		return nil
	},
}

func init() {
	messagesCmd.Flags().Int("limit", 50, "Number of messages (1-200)")
	messagesCmd.Flags().String("before", "", "Only messages older than this message id")
	sendCmd.Flags().String("reply-to", "", "Message id to reply to")
	reactCmd.Flags().Bool("remove", false, "Remove the reaction instead of toggling it")

	for _, c := range []*cobra.Command{statusCmd, peersCmd, messagesCmd, sendCmd, sendFileCmd, editCmd, undoCmd, pinCmd, unpinCmd, reactCmd} {
		addClientFlags(c)
		rootCmd.AddCommand(c)
	}
}
