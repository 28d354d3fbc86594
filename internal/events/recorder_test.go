package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcflow/internal/db"
)

func TestRecorderDeduplicatesByKey(t *testing.T) {
	t.Parallel()
	store := db.NewTestEngineDB(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, &db.WorkflowRun{ID: "RUN-ev", DefinitionID: "deploy"}))

	pub := NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe("RUN-ev")
	rec := NewRecorder(store, pub, nil)

	created, err := rec.Record(ctx, PhaseFailed("RUN-ev", "ci", errors.New("exit 2")))
	require.NoError(t, err)
	assert.True(t, created)

	// A replay of the same failure is dropped and not broadcast.
	created, err = rec.Record(ctx, PhaseFailed("RUN-ev", "ci", errors.New("exit 2")))
	require.NoError(t, err)
	assert.False(t, created)

	first, ok := receive(t, ch)
	require.True(t, ok)
	assert.NotZero(t, first.ID)
	_, ok = receive(t, ch)
	assert.False(t, ok, "duplicate event was broadcast")

	rec.Emit(ctx, PhaseCompleted("RUN-ev", "ci"))

	events, err := rec.List(ctx, "RUN-ev", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventPhaseFailed, events[0].Type)
	assert.Equal(t, "ci", events[0].Phase)
	assert.Equal(t, "exit 2", events[0].Body)
	assert.Equal(t, EventPhaseCompleted, events[1].Type)

	after, err := rec.List(ctx, "RUN-ev", events[0].ID)
	require.NoError(t, err)
	assert.Len(t, after, 1)
}

func TestRecorderEventsWithoutKeyAlwaysStored(t *testing.T) {
	t.Parallel()
	store := db.NewTestEngineDB(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, &db.WorkflowRun{ID: "RUN-nk", DefinitionID: "deploy"}))
	rec := NewRecorder(store, nil, nil)

	ev := NewEvent(EventAnnotationAdded, "RUN-nk", "free note", nil)
	for i := 0; i < 2; i++ {
		created, err := rec.Record(ctx, ev)
		require.NoError(t, err)
		assert.True(t, created)
	}
	events, err := rec.List(ctx, "RUN-nk", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
