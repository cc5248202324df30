package events

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type pauseRecorder struct {
	paused map[string]bool
}

func (p *pauseRecorder) SetPaused(_ context.Context, id string, paused bool) error {
	p.paused[id] = paused
	return nil
}

type flushRecorder struct {
	flushed []string
}

func (f *flushRecorder) FlushTenant(_ context.Context, tenantID string) error {
	f.flushed = append(f.flushed, tenantID)
	return nil
}

func TestCredentialRejectionPausesTenant(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	pauser := &pauseRecorder{paused: map[string]bool{}}
	flusher := &flushRecorder{}
	RegisterListeners(bus, pauser, flusher, zerolog.Nop())

	bus.Emit(CredentialRejected, CredentialRejectedData{TenantID: "t1", Reason: "decrypt failed"})

	assert.True(t, pauser.paused["t1"])
	assert.Empty(t, flusher.flushed)
}

func TestTenantDeletionFlushesCache(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	pauser := &pauseRecorder{paused: map[string]bool{}}
	flusher := &flushRecorder{}
	RegisterListeners(bus, pauser, flusher, zerolog.Nop())

	bus.Emit(TenantDeleted, TenantDeletedData{TenantID: "t2"})

	assert.Equal(t, []string{"t2"}, flusher.flushed)
	assert.Empty(t, pauser.paused)
}

func TestListenersIgnoreUnexpectedPayloads(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	pauser := &pauseRecorder{paused: map[string]bool{}}
	RegisterListeners(bus, pauser, &flushRecorder{}, zerolog.Nop())

	bus.Emit(CredentialRejected, "not-a-struct")

	assert.Empty(t, pauser.paused)
}
