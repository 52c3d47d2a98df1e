package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	e := NewEntry("verifier_1", ActionTransactionVerified, EntityTransaction, "txn_1", "pending", "approved")

	assert.True(t, len(e.ID) > 4 && e.ID[:4] == "aud_")
	assert.Equal(t, "verifier_1", e.Actor)
	assert.Equal(t, "pending", e.PriorState)
	assert.Equal(t, "approved", e.NewState)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Nil(t, e.Details)
}

func TestWithDetail(t *testing.T) {
	e := NewEntry(SystemActor, ActionBatchAutoApproved, EntityBatch, "batch_1", "pending", "auto_approved").
		WithDetail("reason", "deadline expired").
		WithDetail("batch_id", "batch_1")

	assert.Equal(t, "deadline expired", e.Details["reason"])
	assert.Equal(t, "batch_1", e.Details["batch_id"])
}

func TestMemoryStore_AppendIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	e := NewEntry("verifier_1", ActionSessionCreated, EntitySession, "sess_1", "", "active")
	require.NoError(t, store.Append(ctx, e))

	// Mutating the caller's entry after append must not change the log.
	e.NewState = "tampered"

	entries, err := store.ListByEntity(ctx, EntitySession, "sess_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "active", entries[0].NewState)
}

func TestMemoryStore_ListByEntity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, NewEntry(SystemActor, ActionBatchStatusChanged, EntityBatch, "batch_1", "", "")))
	}
	require.NoError(t, store.Append(ctx, NewEntry(SystemActor, ActionBatchStatusChanged, EntityBatch, "batch_2", "", "")))

	entries, err := store.ListByEntity(ctx, EntityBatch, "batch_1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	limited, err := store.ListByEntity(ctx, EntityBatch, "batch_1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStore_ListByBatchIncludesDetailMatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, NewEntry(SystemActor, ActionBatchCreated, EntityBatch, "batch_1", "", "pending")))
	require.NoError(t, store.Append(ctx,
		NewEntry("verifier_1", ActionTransactionVerified, EntityTransaction, "txn_1", "pending", "approved").
			WithDetail("batch_id", "batch_1")))
	require.NoError(t, store.Append(ctx, NewEntry(SystemActor, ActionBatchCreated, EntityBatch, "batch_2", "", "pending")))

	entries, err := store.ListByBatch(ctx, "batch_1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
