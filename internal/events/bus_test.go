package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []string
	bus.Subscribe(SyncCompleted, func(data any) {
		d, ok := data.(SyncCompletedData)
		require.True(t, ok)
		got = append(got, "a:"+d.TenantID)
	})
	bus.Subscribe(SyncCompleted, func(data any) {
		got = append(got, "b")
	})

	bus.Emit(SyncCompleted, SyncCompletedData{TenantID: "t1", Status: "success"})

	assert.Equal(t, []string{"a:t1", "b"}, got)
}

func TestEmit_NoSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	assert.NotPanics(t, func() {
		bus.Emit(SyncFailed, SyncFailedData{TenantID: "t1"})
	})
}

func TestEmit_PanickingHandlerIsolated(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	delivered := false
	bus.Subscribe(CredentialRejected, func(any) { panic("boom") })
	bus.Subscribe(CredentialRejected, func(any) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Emit(CredentialRejected, CredentialRejectedData{TenantID: "t1", Reason: "corrupt"})
	})
	assert.True(t, delivered)
}

func TestEmit_SubscribeDuringEmitAffectsNextEmitOnly(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	lateCalls := 0
	bus.Subscribe(SyncCompleted, func(any) {
		bus.Subscribe(SyncCompleted, func(any) { lateCalls++ })
	})

	bus.Emit(SyncCompleted, SyncCompletedData{})
	assert.Zero(t, lateCalls)

	bus.Emit(SyncCompleted, SyncCompletedData{})
	assert.Equal(t, 1, lateCalls)
}

func TestEmit_TypeIsolation(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	bus.Subscribe(SyncCompleted, func(any) { calls++ })

	bus.Emit(SyncFailed, SyncFailedData{})
	bus.Emit(TenantDeleted, TenantDeletedData{})
	assert.Zero(t, calls)

	bus.Emit(SyncCompleted, SyncCompletedData{})
	assert.Equal(t, 1, calls)
}
