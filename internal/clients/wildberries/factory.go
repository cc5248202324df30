package wildberries

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/marketplace"
	"github.com/mstakhov/wbsync/internal/ratelimit"
)

// Credentials is the decrypted marketplace credential payload for a tenant.
type Credentials struct {
	Token string `json:"token"`
}

// FactoryConfig carries the per-process pieces shared by all tenant clients.
type FactoryConfig struct {
	AnalyticsBaseURL  string
	StatisticsBaseURL string
	HTTPClient        *http.Client
	Limiter           *ratelimit.Limiter
}

// NewFactory returns a marketplace.Factory building Wildberries clients from
// decrypted tenant credentials.
func NewFactory(cfg FactoryConfig, log zerolog.Logger) marketplace.Factory {
	return func(tenantID string, credentials []byte) (marketplace.Client, error) {
		var creds Credentials
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, domain.WrapError(domain.KindCredentialCorrupt, "failed to parse marketplace credentials", err)
		}
		if creds.Token == "" {
			return nil, domain.NewError(domain.KindCredentialCorrupt, "marketplace credentials missing token")
		}

		return NewClient(tenantID, Config{
			Token:             creds.Token,
			AnalyticsBaseURL:  cfg.AnalyticsBaseURL,
			StatisticsBaseURL: cfg.StatisticsBaseURL,
			HTTPClient:        cfg.HTTPClient,
			Limiter:           cfg.Limiter,
		}, log), nil
	}
}
