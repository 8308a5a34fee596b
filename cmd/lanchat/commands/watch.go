package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
	"github.com/lanchat/lanchat/internal/ui"
)

// streamEvent is an events.Event as it arrives over the websocket
type streamEvent struct {
	Kind      events.Kind     `json:"kind"`
	PeerID    string          `json:"peer_id"`
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the chat as it happens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt)
		defer stop()

		wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/events"
		header := http.Header{}
		header.Set(protocol.TokenHeader, c.token)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			if resp != nil {
				return &apiError{Status: resp.StatusCode, Message: "event stream refused"}
			}
			return fmt.Errorf("connect event stream: %w", err)
		}
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()

		out := cmd.OutOrStdout()
		for {
			var ev streamEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("event stream closed: %w", err)
			}
			printEvent(out, ev, c.selfID)
		}
	},
}

func printEvent(out io.Writer, ev streamEvent, selfID string) {
	switch ev.Kind {
	case events.MessageAdded, events.MessageEdited:
		var m chatlog.Message
		if json.Unmarshal(ev.Data, &m) == nil {
			fmt.Fprintln(out, ui.RenderMessage(m, selfID))
		}
	case events.MessageUndone:
		fmt.Fprintln(out, ui.RenderDim("message #"+ui.ShortID(ev.MessageID)+" was removed"))
	case events.PeerOnline, events.PeerOffline:
		var p presence.Peer
		_ = json.Unmarshal(ev.Data, &p)
		name := p.Name
		if name == "" {
			name = ui.ShortID(ev.PeerID)
		}
		verb := "joined"
		if ev.Kind == events.PeerOffline {
			verb = "left"
		}
		fmt.Fprintln(out, ui.RenderDim(name+" "+verb))
	case events.PinChanged:
		var pin chatlog.Pin
		if len(ev.Data) > 0 && string(ev.Data) != "null" && json.Unmarshal(ev.Data, &pin) == nil && pin.MessageID != "" {
			fmt.Fprintln(out, ui.RenderPin(pin))
		} else {
			fmt.Fprintln(out, ui.RenderDim("pin cleared"))
		}
	case events.DeliveryFailed:
		fmt.Fprintln(out, ui.Color(ui.Red, "delivery failed for #"+ui.ShortID(ev.MessageID)+": "+ev.Error))
	}
}

func init() {
	addClientFlags(watchCmd)
	rootCmd.AddCommand(watchCmd)
}
