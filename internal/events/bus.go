// Package events provides the in-process event bus connecting the sync
// pipeline to reactive listeners (credential handling, cache invalidation).
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventType names a bus event.
type EventType string

const (
	// SyncCompleted - a sync cycle reached success or partial.
	SyncCompleted EventType = "SyncCompleted"
	// SyncFailed - a sync cycle reached failed.
	SyncFailed EventType = "SyncFailed"
	// CredentialRejected - a tenant's credentials failed to decrypt or parse.
	CredentialRejected EventType = "CredentialRejected"
	// TenantDeleted - a tenant was removed; subordinate state must go too.
	TenantDeleted EventType = "TenantDeleted"
)

// SyncCompletedData accompanies SyncCompleted events.
type SyncCompletedData struct {
	TenantID          string `json:"tenant_id"`
	Status            string `json:"status"`
	ProductsProcessed int    `json:"products_processed"`
	DurationMs        int64  `json:"duration_ms"`
}

// SyncFailedData accompanies SyncFailed events.
type SyncFailedData struct {
	TenantID  string `json:"tenant_id"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// CredentialRejectedData accompanies CredentialRejected events.
type CredentialRejectedData struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// TenantDeletedData accompanies TenantDeleted events.
type TenantDeletedData struct {
	TenantID string `json:"tenant_id"`
}

// Bus is a synchronous in-process publish/subscribe hub. Handlers run on the
// emitter's goroutine; a panicking handler never takes the emitter down.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]func(data any)
	log      zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]func(data any)),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(event EventType, handler func(data any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Emit delivers data to every handler registered for the event type.
func (b *Bus) Emit(event EventType, data any) {
	b.mu.RLock()
	handlers := make([]func(data any), len(b.handlers[event]))
	copy(handlers, b.handlers[event])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(event, h, data)
	}
}

func (b *Bus) dispatch(event EventType, handler func(data any), data any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", string(event)).Interface("panic", r).Msg("Event handler panicked")
		}
	}()
	handler(data)
}
