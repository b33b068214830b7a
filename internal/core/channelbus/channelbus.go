// Package channelbus is the in-process, transient message bus backing
// workflow Channels. It embeds the same nats-server/nats.go pair station
// uses for its durable JetStream run dispatch, but scoped down: core NATS
// pub/sub only, no stream, no persistence — messages that outlive the
// process are explicitly out of scope, so there is nothing here for
// JetStream to buy.
package channelbus

import (
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

// Message is one broadcast on a channel.
type Message struct {
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Body      any       `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus runs an embedded, in-process NATS server and enforces that only a
// channel's declared participants may publish or subscribe.
type Bus struct {
	server       *natsserver.Server
	conn         *nats.Conn
	participants map[string]map[string]bool // channel name -> participant set
}

// New starts an embedded NATS server bound to a random local port and
// connects a client to it. Nothing is written to disk; Close tears the
// whole thing down.
func New(channels []workflow.Channel) (*Bus, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Port:      -1,
		JetStream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("starting embedded channel bus: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded channel bus did not become ready")
	}

	conn, err := nats.Connect(fmt.Sprintf("nats://%s", srv.Addr().String()))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to embedded channel bus: %w", err)
	}

	participants := make(map[string]map[string]bool, len(channels))
	for _, ch := range channels {
		set := make(map[string]bool, len(ch.Participants))
		for _, p := range ch.Participants {
			set[p] = true
		}
		participants[ch.Name] = set
	}

	return &Bus{server: srv, conn: conn, participants: participants}, nil
}

// subject namespaces every channel under one prefix so workflow channels
// never collide with anything else sharing the embedded server.
func subject(channel string) string {
	return "workflowcore.channel." + channel
}

// Publish broadcasts a message on a channel, rejecting senders that aren't
// declared participants.
func (b *Bus) Publish(channel, sender string, body any) error {
	if !b.isParticipant(channel, sender) {
		return fmt.Errorf("%w: %q is not a participant of channel %q", corerr.ErrChannelForbidden, sender, channel)
	}

	msg := Message{Channel: channel, Sender: sender, Body: body, Timestamp: time.Now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling channel message: %w", err)
	}
	return b.conn.Publish(subject(channel), data)
}

// Subscribe registers handler for every message published on a channel.
// Subscribing as a non-participant is rejected the same as publishing.
func (b *Bus) Subscribe(channel, subscriber string, handler func(Message)) (*nats.Subscription, error) {
	if !b.isParticipant(channel, subscriber) {
		return nil, fmt.Errorf("%w: %q is not a participant of channel %q", corerr.ErrChannelForbidden, subscriber, channel)
	}

	return b.conn.Subscribe(subject(channel), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		handler(msg)
	})
}

func (b *Bus) isParticipant(channel, name string) bool {
	set, ok := b.participants[channel]
	if !ok {
		return false
	}
	return set[name]
}

// Close drains the client connection and shuts down the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Drain()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
}
