// ABOUTME: Tests for event envelopes and the in-process publishers
// ABOUTME: Broker-backed sinks are exercised through their message construction helpers

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct {
	err    error
	closed bool
}

func (f *failingPublisher) Publish(ctx context.Context, env Envelope) error { return f.err }
func (f *failingPublisher) Close() error {
	f.closed = true
	return nil
}

func TestNew_FillsMeta(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	env := New(TypeConversationAllocated, at, ConversationChange{ConversationID: "conv-1", State: "ALLOCATED"})

	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, Producer, env.Meta.Producer)
	assert.Equal(t, TypeConversationAllocated, env.Meta.Type)
	assert.Equal(t, time.UTC, env.Meta.Time.Location())

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conversation_id":"conv-1"`)
	assert.NotContains(t, string(data), "previous_operator_id")
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := &failingPublisher{err: errors.New("broker down")}
	m := NewMulti(rec, nil, boom)
	assert.Equal(t, 2, m.Len())

	err := m.Publish(context.Background(), New(TypeConversationResolved, time.Now(), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, []string{TypeConversationResolved}, rec.Types(), "healthy sinks still receive the event")

	require.NoError(t, m.Close())
	assert.True(t, boom.closed)
}

func TestLogPublisher_NeverFails(t *testing.T) {
	p := NewLogPublisher(nil)
	assert.NoError(t, p.Publish(context.Background(), New(TypeOperatorStatusChanged, time.Now(), OperatorChange{})))
	assert.NoError(t, p.Close())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "allocator.conversation.allocated.v1", Subject("allocator", TypeConversationAllocated))
	assert.Equal(t, TypeConversationAllocated, Subject("", TypeConversationAllocated))
}

func TestRabbitPublishing(t *testing.T) {
	env := New(TypeConversationReclaimed, time.Now(), nil)
	pub := rabbitPublishing(env, []byte(`{}`))

	assert.Equal(t, amqp091.Persistent, pub.DeliveryMode)
	assert.Equal(t, env.Meta.ID, pub.MessageId)
	assert.Equal(t, env.Meta.ID, pub.CorrelationId, "event ID doubles as correlation ID")
	assert.Equal(t, TypeConversationReclaimed, pub.Type)

	cid := "req-42"
	env.Meta.CorrelationID = &cid
	assert.Equal(t, "req-42", rabbitPublishing(env, nil).CorrelationId)
}
