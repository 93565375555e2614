package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WSDriver speaks to the local browser-automation agent over a websocket.
//
// Commands are request/response frames matched by command id; events arrive
// interleaved on the same connection and are fanned out on Events(). Payload
// contents beyond the envelope fields are treated as opaque.

type WSDriver struct {
	agentURL  string
	sessionID string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wsFrame

	events chan Event
	done   chan struct{}
	log    *slog.Logger
}

type wsFrame struct {
	Type      string         `json:"type"` // "command", "result", "event"
	CommandID string         `json:"command_id,omitempty"`
	Command   string         `json:"command,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Event     *Event         `json:"event,omitempty"`
	OK        bool           `json:"ok,omitempty"`
	Error     string         `json:"error,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

func NewWSDriver(agentURL, sessionID string, log *slog.Logger) *WSDriver {
	if log == nil {
		log = slog.Default()
	}
	return &WSDriver{
		agentURL:  agentURL,
		sessionID: sessionID,
		pending:   make(map[string]chan wsFrame),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		log:       log.With("session_id", sessionID),
	}
}

func (d *WSDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, d.agentURL, nil)
	if err != nil {
		return fmt.Errorf("driver dial: %w", err)
	}
	// Agent event streams can carry large chat payloads.
	conn.SetReadLimit(1 << 20)

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	go d.readLoop()

	if _, err := d.command(ctx, "connect", nil); err != nil {
		// A failed handshake must not leak the connection or its read loop.
		d.close()
		return err
	}
	return nil
}

func (d *WSDriver) SendText(ctx context.Context, to, body string, opts SendOptions) (string, error) {
	res, err := d.command(ctx, "send_text", map[string]any{
		"to":              to,
		"body":            body,
		"simulate_typing": opts.SimulateTyping,
	})
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

func (d *WSDriver) SendMedia(ctx context.Context, to, mediaURL, caption string, opts SendOptions) (string, error) {
	res, err := d.command(ctx, "send_media", map[string]any{
		"to":              to,
		"media_url":       mediaURL,
		"caption":         caption,
		"simulate_typing": opts.SimulateTyping,
	})
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

func (d *WSDriver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	_, cmdErr := d.command(ctx, "disconnect", nil)
	d.close()
	return cmdErr
}

func (d *WSDriver) Events() <-chan Event { return d.events }

func (d *WSDriver) command(ctx context.Context, name string, args map[string]any) (wsFrame, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return wsFrame{}, ErrNotConnected
	}

	id := uuid.NewString()
	reply := make(chan wsFrame, 1)
	d.mu.Lock()
	d.pending[id] = reply
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	frame := wsFrame{Type: "command", CommandID: id, Command: name, SessionID: d.sessionID, Args: args}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return wsFrame{}, fmt.Errorf("driver command %s: %w", name, err)
	}

	select {
	case <-ctx.Done():
		return wsFrame{}, ctx.Err()
	case <-d.done:
		return wsFrame{}, ErrNotConnected
	case res := <-reply:
		if !res.OK {
			return wsFrame{}, fmt.Errorf("driver command %s: %s", name, res.Error)
		}
		return res, nil
	}
}

func (d *WSDriver) readLoop() {
	defer d.close()
	for {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return
		}

		var frame wsFrame
		readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		err := wsjson.Read(readCtx, conn, &frame)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.log.Warn("agent stream closed", "err", err)
			}
			return
		}

		switch frame.Type {
		case "result":
			d.mu.Lock()
			reply, ok := d.pending[frame.CommandID]
			d.mu.Unlock()
			if ok {
				reply <- frame
			}
		case "event":
			if frame.Event == nil {
				continue
			}
			ev := *frame.Event
			ev.SessionID = d.sessionID
			select {
			case d.events <- ev:
			default:
				d.log.Warn("event buffer full, dropping", "kind", ev.Kind)
			}
		}
	}
}

func (d *WSDriver) close() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		select {
		case <-d.done:
		default:
			close(d.done)
			close(d.events)
		}
	}
}
