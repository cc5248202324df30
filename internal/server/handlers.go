package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/scheduler"
	"github.com/mstakhov/wbsync/internal/synclog"
	"github.com/mstakhov/wbsync/internal/tenant"
)

// tenantView is the external shape of a tenant. Credential blobs never leave
// the process.
type tenantView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Marketplace   string    `json:"marketplace"`
	SpreadsheetID string    `json:"spreadsheet_id"`
	WorksheetName string    `json:"worksheet_name"`
	IntervalHours int       `json:"sync_interval_hours"`
	Paused        bool      `json:"paused"`
	CreatedAt     time.Time `json:"created_at"`
}

func toTenantView(t *domain.Tenant) tenantView {
	return tenantView{
		ID:            t.ID,
		Name:          t.Name,
		Marketplace:   string(t.Marketplace),
		SpreadsheetID: t.SpreadsheetID,
		WorksheetName: t.WorksheetName,
		IntervalHours: int(t.SyncInterval.Hours()),
		Paused:        t.Paused,
		CreatedAt:     t.CreatedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := http.StatusOK

	if s.coreDB != nil {
		if err := s.coreDB.HealthCheck(r.Context()); err != nil {
			checks["core"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["core"] = "ok"
		}
	}
	if s.syncLogDB != nil {
		if err := s.syncLogDB.HealthCheck(r.Context()); err != nil {
			checks["synclog"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["synclog"] = "ok"
		}
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":    statusWord(status),
		"service":   "wbsync",
		"databases": checks,
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.tenants.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		views = append(views, toTenantView(t))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": views})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	t, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if t.Paused {
		s.writeError(w, http.StatusConflict, errors.New("tenant is paused"))
		return
	}

	if err := s.dispatcher.Trigger(tenantID, domain.TriggerManual); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrTenantBusy):
			s.writeError(w, http.StatusTooManyRequests, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"tenant_id": tenantID,
		"status":    "enqueued",
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := s.tenants.SetPaused(r.Context(), tenantID, paused); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"paused":    paused,
	})
}

func (s *Server) handleLatestLog(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	l, err := s.logs.Latest(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, synclog.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 365 {
			s.writeError(w, http.StatusBadRequest, errors.New("days must be between 1 and 365"))
			return
		}
		days = parsed
	}

	logs, err := s.logs.Recent(r.Context(), tenantID, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"days":      days,
		"sync_logs": logs,
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}
