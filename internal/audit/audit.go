// Package audit records security-relevant events such as logins and token issuance.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/icssc/auth/internal/logger"
)

// Event types.
const (
	SessionCreated = "session.created"
	SessionEnded   = "session.ended"
	CodeIssued     = "code.issued"
	TokenIssued    = "token.issued"
	TokenRefreshed = "token.refreshed"
)

// Event is one audit record. It never carries credential values.
type Event struct {
	Type     string            `json:"event"`
	Time     time.Time         `json:"timestamp"`
	ClientID string            `json:"client_id,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Sink receives audit events. Emit must not block the request for long and
// must not fail it.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// New builds an event stamped with the current time.
func New(eventType, clientID, userID string) Event {
	return Event{Type: eventType, Time: time.Now().UTC(), ClientID: clientID, UserID: userID}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogSink writes events to zap.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink writes to l, or to the named "audit" logger when l is nil.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = logger.Named("audit")
	}
	return &LogSink{log: l}
}

func (s *LogSink) Emit(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("kind", "audit"),
		zap.String("event", ev.Type),
		zap.Time("timestamp", ev.Time),
	}
	if ev.ClientID != "" {
		fields = append(fields, logger.ClientID(ev.ClientID))
	}
	if ev.UserID != "" {
		fields = append(fields, logger.UserID(ev.UserID))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.String(k, v))
	}
	s.log.Info("audit", fields...)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}
