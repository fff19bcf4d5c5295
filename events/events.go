// Package events is kira's board event bus, carried over an embedded
// NATS server. Every task, card, and worker lifecycle change is
// published to the subject for its board; the server streams them to
// browsers over SSE and in-process consumers subscribe directly.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Type identifies the kind of event on a board channel.
type Type string

const (
	CardCreated Type = "card_created"
	CardMoved   Type = "card_moved"
	CardUpdated Type = "card_updated"

	CommentAdded Type = "comment_added"

	TaskCreated   Type = "task_created"
	TaskClaimed   Type = "task_claimed"
	TaskProgress  Type = "task_progress"
	TaskCompleted Type = "task_completed"
	TaskFailed    Type = "task_failed"
	TaskCancelled Type = "task_cancelled"

	WorkerOnline  Type = "worker_online"
	WorkerOffline Type = "worker_offline"

	BoardUpdated Type = "board_updated"
)

// Event is the wire shape published to a board subject.
type Event struct {
	Type    Type            `json:"event_type"`
	BoardID string          `json:"board_id"`
	Data    json.RawMessage `json:"data,omitempty"`
	Time    time.Time       `json:"time"`
}

// Bus is an embedded NATS server plus a client connection bound to it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
}

// Start runs an embedded NATS server and connects to it. Pass port 0
// to pick a random available port.
func Start(port int) (*Bus, error) {
	opts := &server.Options{
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("new nats server: %w", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready for connections")
	}
	nc, err := nats.Connect(ns.ClientURL(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Bus{server: ns, conn: nc}, nil
}

// ClientURL returns the URL external consumers can use to connect.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func subject(boardID string) string {
	return "kira.board." + boardID
}

// Publish sends an event to a board's subject. The data payload is
// JSON-encoded; a payload that will not encode is an error.
func (b *Bus) Publish(boardID string, typ Type, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", typ, err)
	}
	ev := Event{Type: typ, BoardID: boardID, Data: raw, Time: time.Now()}
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode envelope: %w", err)
	}
	return b.conn.Publish(subject(boardID), msg)
}

// Subscribe delivers a board's events on the returned channel until
// unsubscribed. Slow consumers drop events rather than block publishers.
func (b *Bus) Subscribe(boardID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 100)
	sub, err := b.conn.Subscribe(subject(boardID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("events: subscribe board %s: %w", boardID, err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
		close(ch)
	}
	return ch, cancel, nil
}

// Close drains the connection and stops the embedded server.
func (b *Bus) Close() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
