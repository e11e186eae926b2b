// ABOUTME: Tests for inbound message ingestion
// ABOUTME: Covers conversation creation, bumps, dedupe and the resolved-conversation rule

package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-allocator/internal/dedupe"
	"github.com/2389/inbox-allocator/internal/events"
	"github.com/2389/inbox-allocator/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, s Store) (*Service, *events.Recorder) {
	t.Helper()
	cache := dedupe.New(time.Minute, 100, dedupe.WithoutJanitor())
	t.Cleanup(cache.Close)
	rec := &events.Recorder{}
	svc := New(s, cache, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, rec
}

func message(id string, at time.Time) Message {
	return Message{
		MessageID:              id,
		TenantID:               "tenant-a",
		InboxPhone:             "+15550001",
		ExternalConversationID: "wa-thread-1",
		CustomerPhone:          "+14445550000",
		ReceivedAt:             at,
	}
}

func TestIngest_CreatesThenBumps(t *testing.T) {
	ms := store.NewMockStore()
	svc, rec := newService(t, ms)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, message("m1", t0))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, store.StateQueued, res.Conversation.State)
	assert.Equal(t, 1, res.Conversation.MessageCount)

	res2, err := svc.Ingest(ctx, message("m2", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.Conversation.ID, res2.Conversation.ID)
	assert.Equal(t, 2, res2.Conversation.MessageCount)
	assert.True(t, res2.Conversation.LastActivityAt.Equal(t0.Add(time.Minute)))

	assert.Equal(t, []string{events.TypeConversationQueued}, rec.Types())

	inbox, err := ms.GetInbox(ctx, res.Conversation.InboxID)
	require.NoError(t, err)
	assert.Equal(t, "+15550001", inbox.PhoneNumber)
}

func TestIngest_DropsRedelivery(t *testing.T) {
	ms := store.NewMockStore()
	svc, _ := newService(t, ms)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, message("m1", t0))
	require.NoError(t, err)
	res, err := svc.Ingest(ctx, message("m1", t0.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Conversation)

	convs, err := ms.ListConversations(ctx, store.ConversationFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].MessageCount)
}

func TestIngest_SameMessageIDOtherTenantIsNotDuplicate(t *testing.T) {
	svc, _ := newService(t, store.NewMockStore())
	ctx := context.Background()

	_, err := svc.Ingest(ctx, message("m1", t0))
	require.NoError(t, err)

	other := message("m1", t0)
	other.TenantID = "tenant-b"
	res, err := svc.Ingest(ctx, other)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Created)
}

func TestIngest_ResolvedConversationStaysResolved(t *testing.T) {
	ms := store.NewMockStore()
	svc, _ := newService(t, ms)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, message("m1", t0))
	require.NoError(t, err)
	require.NoError(t, ms.CreateOperator(ctx, &store.Operator{ID: "op-1", TenantID: "tenant-a", Status: store.StatusAvailable}))
	_, err = ms.TransitionConversation(ctx, store.ConversationTransition{
		ID: res.Conversation.ID, From: []store.ConversationState{store.StateQueued},
		To: store.StateAllocated, OperatorID: "op-1", At: t0,
	})
	require.NoError(t, err)
	_, err = ms.TransitionConversation(ctx, store.ConversationTransition{
		ID: res.Conversation.ID, From: []store.ConversationState{store.StateAllocated},
		To: store.StateResolved, ResolvedBy: "op-1", At: t0,
	})
	require.NoError(t, err)

	res, err = svc.Ingest(ctx, message("m2", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, store.StateResolved, res.Conversation.State)
	assert.Equal(t, 2, res.Conversation.MessageCount)
}

func TestIngest_Validation(t *testing.T) {
	svc, _ := newService(t, store.NewMockStore())

	_, err := svc.Ingest(context.Background(), Message{MessageID: "m1", TenantID: "tenant-a"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Contains(t, err.Error(), "inbox_phone")
	assert.Contains(t, err.Error(), "external_conversation_id")
}

type failingStore struct {
	*store.MockStore
	fail bool
}

func (f *failingStore) RecordMessageActivity(ctx context.Context, a store.MessageActivity) (*store.Conversation, bool, error) {
	if f.fail {
		return nil, false, errors.New("disk full")
	}
	return f.MockStore.RecordMessageActivity(ctx, a)
}

func TestIngest_FailureAllowsRetry(t *testing.T) {
	fs := &failingStore{MockStore: store.NewMockStore(), fail: true}
	svc, _ := newService(t, fs)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, message("m1", t0))
	require.Error(t, err)

	fs.fail = false
	res, err := svc.Ingest(ctx, message("m1", t0))
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "failed delivery must not poison the dedupe cache")
	assert.True(t, res.Created)
}

func TestIngest_DefaultsReceivedAtToNow(t *testing.T) {
	svc, _ := newService(t, store.NewMockStore())
	svc.now = func() time.Time { return t0 }

	res, err := svc.Ingest(context.Background(), message("", time.Time{}))
	require.NoError(t, err)
	assert.True(t, res.Conversation.LastActivityAt.Equal(t0))
}
