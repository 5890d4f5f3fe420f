package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSink_Emit(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	ev := New(TokenIssued, "antalmanac", "google_123")
	ev.Fields = map[string]string{"grant_type": "authorization_code"}
	sink.Emit(context.Background(), ev)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "audit", fields["kind"])
	assert.Equal(t, TokenIssued, fields["event"])
	assert.Equal(t, "antalmanac", fields["client_id"])
	assert.Equal(t, "google_123", fields["user_id"])
	assert.Equal(t, "authorization_code", fields["grant_type"])
}

type fakePublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestAMQPSink_Emit(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	sink := &AMQPSink{ch: pub, exchange: "auth.events"}

	sink.Emit(context.Background(), New(SessionCreated, "", "google_1"))

	assert.Equal(t, "auth.events", pub.exchange)
	assert.Equal(t, SessionCreated, pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.NotEmpty(t, pub.msg.MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, SessionCreated, decoded.Type)
	assert.Equal(t, "google_1", decoded.UserID)
	assert.Empty(t, decoded.ClientID)
}

func TestAMQPSink_PublishFailureDoesNotPanic(t *testing.T) {
	t.Parallel()

	sink := &AMQPSink{ch: &fakePublisher{err: errors.New("channel closed")}, exchange: "auth.events"}
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), New(CodeIssued, "test", "google_1"))
	})
	assert.NoError(t, sink.Close())
}

type countingSink struct{ n int }

func (c *countingSink) Emit(context.Context, Event) { c.n++ }

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()

	a, b := &countingSink{}, &countingSink{}
	Multi{a, nil, b, Nop{}}.Emit(context.Background(), New(SessionEnded, "", "u"))
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
