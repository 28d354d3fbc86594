package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcflow/internal/db"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
)

func TestNext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from    db.RunStatus
		trigger Trigger
		want    db.RunStatus
		wantErr bool
	}{
		{db.RunPending, TriggerStart, db.RunRunning, false},
		{db.RunRunning, TriggerStart, db.RunRunning, false},
		{db.RunRunning, TriggerComplete, db.RunCompleted, false},
		{db.RunRunning, TriggerFail, db.RunFailed, false},
		{db.RunRunning, TriggerPause, db.RunPaused, false},
		{db.RunPaused, TriggerResume, db.RunRunning, false},
		{db.RunPaused, TriggerCancel, db.RunCancelled, false},
		{db.RunPending, TriggerFail, db.RunFailed, false},
		{db.RunFailed, TriggerFail, db.RunFailed, false},
		{db.RunCompleted, TriggerComplete, db.RunCompleted, false},

		{db.RunPending, TriggerComplete, db.RunPending, true},
		{db.RunCompleted, TriggerStart, db.RunCompleted, true},
		{db.RunFailed, TriggerStart, db.RunFailed, true},
		{db.RunCompleted, TriggerFail, db.RunCompleted, true},
		{db.RunPaused, TriggerComplete, db.RunPaused, true},
		{db.RunCancelled, TriggerResume, db.RunCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := Next(tt.from, tt.trigger)
			if tt.wantErr {
				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.from, te.From)
				assert.False(t, CanFire(tt.from, tt.trigger))
			} else {
				require.NoError(t, err)
				assert.True(t, CanFire(tt.from, tt.trigger))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()
	store := db.NewTestEngineDB(t)
	ctx := context.Background()

	run := &db.WorkflowRun{ID: "RUN-st", DefinitionID: "deploy"}
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := Transition(ctx, store, run.ID, TriggerStart, "")
	require.NoError(t, err)
	assert.Equal(t, db.RunRunning, got)

	got, err = Transition(ctx, store, run.ID, TriggerFail, "boom")
	require.NoError(t, err)
	assert.Equal(t, db.RunFailed, got)

	// Repeated failure handling is a no-op that keeps the first message.
	_, err = Transition(ctx, store, run.ID, TriggerFail, "second")
	require.NoError(t, err)
	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", stored.ErrorMessage)
	assert.NotNil(t, stored.CompletedAt)

	_, err = Transition(ctx, store, run.ID, TriggerStart, "")
	oe := orcerrors.AsOrcError(err)
	require.NotNil(t, oe)
	assert.Equal(t, orcerrors.CodeRunInvalidState, oe.Code)

	_, err = Transition(ctx, store, "RUN-missing", TriggerStart, "")
	oe = orcerrors.AsOrcError(err)
	require.NotNil(t, oe)
	assert.Equal(t, orcerrors.CodeRunNotFound, oe.Code)
}
