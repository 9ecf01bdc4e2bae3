// Package watchtui renders a live terminal dashboard of courier's
// engine sessions, fed by the daemon's WebSocket event stream.
package watchtui

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/status"
	"github.com/agusx1211/courier/pkg/protocol"
)

const (
	dialTimeout    = 10 * time.Second
	reconnectDelay = 2 * time.Second
)

// Run connects to the daemon at baseURL and displays the live feed
// until the user quits or ctx is cancelled.
func Run(ctx context.Context, baseURL string) error {
	msgCh := make(chan tea.Msg, 64)
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	go runFeed(feedCtx, feedURL(baseURL), msgCh)

	p := tea.NewProgram(newModel(baseURL, msgCh), tea.WithAltScreen())
	go func() {
		<-feedCtx.Done()
		p.Quit()
	}()

	_, err := p.Run()
	return err
}

// feedURL maps the daemon's base URL (or bare host:port) to its
// WebSocket feed endpoint.
func feedURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		base = "ws://" + base
	}
	return base + "/ws"
}

// runFeed keeps a WebSocket subscription alive, translating envelopes
// into tea messages. It reconnects with a small delay until ctx dies.
func runFeed(ctx context.Context, url string, msgCh chan<- tea.Msg) {
	defer close(msgCh)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := streamOnce(ctx, url, msgCh); err != nil && ctx.Err() == nil {
			debug.LogKV("watchtui", "feed disconnected", "url", url, "err", err)
			select {
			case msgCh <- disconnectedMsg{err: err}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func streamOnce(ctx context.Context, url string, msgCh chan<- tea.Msg) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.CloseNow()

	select {
	case msgCh <- connectedMsg{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			return err
		}
		msg, err := decodeEnvelope(env)
		if err != nil {
			debug.LogKV("watchtui", "undecodable envelope", "type", env.Type, "err", err)
			continue
		}
		if msg == nil {
			continue
		}
		select {
		case msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeEnvelope maps feed envelopes to tea messages. Unknown types
// decode to nil so newer daemons do not break this client.
func decodeEnvelope(env protocol.Envelope) (tea.Msg, error) {
	switch env.Type {
	case protocol.TypeSnapshot:
		var snap status.Summary
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return nil, err
		}
		return snapshotMsg(snap), nil
	case protocol.TypeEvent:
		var ev status.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, err
		}
		return eventMsg(ev), nil
	default:
		return nil, nil
	}
}
