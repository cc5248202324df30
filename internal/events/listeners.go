package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TenantPauser pauses a tenant's scheduled syncs.
type TenantPauser interface {
	SetPaused(ctx context.Context, id string, paused bool) error
}

// CacheFlusher removes all cached state for a tenant.
type CacheFlusher interface {
	FlushTenant(ctx context.Context, tenantID string) error
}

const listenerTimeout = 5 * time.Second

// RegisterListeners wires the standard reactive handlers: rejected
// credentials pause the tenant, deleted tenants lose their cache entries.
func RegisterListeners(bus *Bus, tenants TenantPauser, cache CacheFlusher, log zerolog.Logger) {
	l := log.With().Str("component", "event_listeners").Logger()

	bus.Subscribe(CredentialRejected, func(data any) {
		d, ok := data.(CredentialRejectedData)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
		defer cancel()

		if err := tenants.SetPaused(ctx, d.TenantID, true); err != nil {
			l.Error().Err(err).Str("tenant_id", d.TenantID).Msg("Failed to pause tenant after credential rejection")
			return
		}
		l.Warn().
			Str("tenant_id", d.TenantID).
			Str("reason", d.Reason).
			Msg("Tenant paused: credentials rejected")
	})

	bus.Subscribe(TenantDeleted, func(data any) {
		d, ok := data.(TenantDeletedData)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
		defer cancel()

		if err := cache.FlushTenant(ctx, d.TenantID); err != nil {
			l.Error().Err(err).Str("tenant_id", d.TenantID).Msg("Failed to flush cache for deleted tenant")
			return
		}
		l.Info().Str("tenant_id", d.TenantID).Msg("Cache flushed for deleted tenant")
	})
}
