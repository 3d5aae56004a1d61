// Package bus publishes interview activity to NATS so that other services
// (dashboards, scoring, archival) can follow sessions live.
//
// Subjects have the form <prefix>.<session>.state for turn transitions and
// <prefix>.<session>.utterance for transcript lines. Payloads are JSON.
// Publishing is fire-and-forget: failures are logged and never reach the
// interview.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/panelist/pkg/types"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "panelist.session"

// ErrNotConnected is returned by Check when the connection is down.
var ErrNotConnected = errors.New("bus: not connected")

// Config configures the NATS connection.
type Config struct {
	Servers        []string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	Token          string
}

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Status() nats.Status
	Drain() error
}

var _ Conn = (*nats.Conn)(nil)

// StateEvent is published on every turn transition.
type StateEvent struct {
	Session string    `json:"session"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Persona string    `json:"persona,omitempty"`
	At      time.Time `json:"at"`
}

// UtteranceEvent is published for every recorded transcript line.
type UtteranceEvent struct {
	Session string     `json:"session"`
	Role    types.Role `json:"role"`
	Speaker string     `json:"speaker,omitempty"`
	Text    string     `json:"text"`
	At      time.Time  `json:"at"`
}

// Publisher publishes session activity. A nil *Publisher is valid and
// publishes nothing.
type Publisher struct {
	conn   Conn
	prefix string
}

// Connect dials the configured servers.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	options := []nats.Option{
		nats.Name("panelist"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	slog.Info("bus: connected to NATS", "servers", url)
	return NewPublisher(conn, cfg.SubjectPrefix), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject returns the subject for kind events of session.
func (p *Publisher) Subject(session, kind string) string {
	return p.prefix + "." + subjectToken(session) + "." + kind
}

// PublishState publishes a turn transition.
func (p *Publisher) PublishState(ev StateEvent) {
	if p == nil {
		return
	}
	p.publish(p.Subject(ev.Session, "state"), ev)
}

// PublishUtterance publishes a transcript line of session.
func (p *Publisher) PublishUtterance(session string, u types.Utterance) {
	if p == nil {
		return
	}
	p.publish(p.Subject(session, "utterance"), UtteranceEvent{
		Session: session,
		Role:    u.Role,
		Speaker: u.Speaker,
		Text:    u.Text,
		At:      u.At,
	})
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("bus: encode event", "subject", subject, "err", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("bus: publish", "subject", subject, "err", err)
	}
}

// Check reports whether the connection is up. It satisfies the health
// checker signature.
func (p *Publisher) Check(context.Context) error {
	if p == nil || p.conn == nil || p.conn.Status() != nats.CONNECTED {
		return ErrNotConnected
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	slog.Info("bus: closing NATS connection")
	return p.conn.Drain()
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
