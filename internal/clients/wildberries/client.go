// Package wildberries provides client functionality for the Wildberries
// seller APIs: the analytics v2 stocks report, the asynchronous
// warehouse-remains report and the statistics v1 orders feed.
package wildberries

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/marketplace"
	"github.com/mstakhov/wbsync/internal/ratelimit"
)

const (
	// Empirically safe request budgets per endpoint.
	analyticsLimitPerMin  = 3
	statisticsLimitPerMin = 60

	maxPageSize   = 1000
	retryAttempts = 3

	defaultRetryBaseDelay = 1 * time.Second
	maxRetryDelay         = 30 * time.Second
	defaultPollInterval   = 5 * time.Second
	defaultPollTimeout    = 60 * time.Second
)

// Config holds client construction parameters. Base URLs and delays are
// overridable for tests; zero values take the production defaults.
type Config struct {
	Token             string
	AnalyticsBaseURL  string
	StatisticsBaseURL string
	HTTPClient        *http.Client
	Limiter           *ratelimit.Limiter
	RetryBaseDelay    time.Duration
	PollInterval      time.Duration
	PollTimeout       time.Duration
}

// Client is the Wildberries variant of the marketplace capability set.
type Client struct {
	tenantID          string
	token             string
	analyticsBaseURL  string
	statisticsBaseURL string
	http              *http.Client
	limiter           *ratelimit.Limiter
	log               zerolog.Logger
	retryBaseDelay    time.Duration
	pollInterval      time.Duration
	pollTimeout       time.Duration
}

// NewClient creates a Wildberries client for one tenant.
func NewClient(tenantID string, cfg Config, log zerolog.Logger) *Client {
	c := &Client{
		tenantID:          tenantID,
		token:             cfg.Token,
		analyticsBaseURL:  cfg.AnalyticsBaseURL,
		statisticsBaseURL: cfg.StatisticsBaseURL,
		http:              cfg.HTTPClient,
		limiter:           cfg.Limiter,
		log:               log.With().Str("client", "wildberries").Str("tenant", tenantID).Logger(),
		retryBaseDelay:    cfg.RetryBaseDelay,
		pollInterval:      cfg.PollInterval,
		pollTimeout:       cfg.PollTimeout,
	}

	if c.analyticsBaseURL == "" {
		c.analyticsBaseURL = "https://seller-analytics-api.wildberries.ru"
	}
	if c.statisticsBaseURL == "" {
		c.statisticsBaseURL = "https://statistics-api.wildberries.ru"
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.retryBaseDelay <= 0 {
		c.retryBaseDelay = defaultRetryBaseDelay
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = defaultPollTimeout
	}

	return c
}

// FetchProductAggregates returns aggregated totals for the period, paginating
// until the report is exhausted. The period must satisfy start <= end and
// reach back at most three months.
func (c *Client) FetchProductAggregates(ctx context.Context, period marketplace.Period) ([]marketplace.ProductAggregate, error) {
	if period.Start.After(period.End) {
		return nil, domain.NewError(domain.KindMarketplaceInvalid, "aggregates period start is after end")
	}
	if period.Start.Before(time.Now().AddDate(0, -3, 0)) {
		return nil, domain.NewError(domain.KindMarketplaceInvalid, "aggregates period reaches back more than three months")
	}

	endpoint := c.analyticsBaseURL + "/api/v2/stocks-report/products/products"

	var result []marketplace.ProductAggregate
	for offset := 0; ; offset += maxPageSize {
		reqBody := aggregatesRequest{
			CurrentPeriod: periodBody{
				Start: period.Start.Format("2006-01-02"),
				End:   period.End.Format("2006-01-02"),
			},
			StockType:           "",
			SkipDeletedNm:       true,
			AvailabilityFilters: []string{"actual", "balanced", "deficient"},
			OrderBy:             orderByBody{Field: "stockCount", Mode: "desc"},
			Limit:               maxPageSize,
			Offset:              offset,
		}

		body, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal aggregates request: %w", err)
		}

		if err := c.waitLimiter(ctx, "marketplace:wildberries:analytics", analyticsLimitPerMin); err != nil {
			return nil, err
		}

		var page aggregatesResponse
		if err := c.do(ctx, http.MethodPost, endpoint, body, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Data.Items {
			result = append(result, marketplace.ProductAggregate{
				NmID:        item.NmID,
				VendorCode:  item.VendorCode,
				Name:        item.Title,
				StockCount:  item.Metrics.StockCount,
				OrdersCount: item.Metrics.OrdersCount,
			})
		}

		if len(page.Data.Items) < maxPageSize {
			break
		}
	}

	c.log.Debug().Int("products", len(result)).Msg("Fetched product aggregates")
	return result, nil
}

// FetchWarehouseBreakdown runs the two-step warehouse-remains report:
// create a task, then poll the download endpoint until the report is ready.
func (c *Client) FetchWarehouseBreakdown(ctx context.Context) ([]marketplace.WarehouseBreakdown, error) {
	if err := c.waitLimiter(ctx, "marketplace:wildberries:analytics", analyticsLimitPerMin); err != nil {
		return nil, err
	}

	createURL := c.analyticsBaseURL + "/api/v1/warehouse_remains?groupByNm=true"

	var created createTaskResponse
	if err := c.do(ctx, http.MethodPost, createURL, nil, &created); err != nil {
		return nil, err
	}
	if created.Data.TaskID == "" {
		return nil, domain.NewError(domain.KindMarketplaceInvalid, "warehouse remains task id missing in response")
	}

	c.log.Debug().Str("task", created.Data.TaskID).Msg("Warehouse remains task created, polling for results")

	downloadURL := fmt.Sprintf("%s/api/v1/warehouse_remains/tasks/%s/download", c.analyticsBaseURL, created.Data.TaskID)
	deadline := time.Now().Add(c.pollTimeout)

	for {
		items, ready, err := c.downloadRemains(ctx, downloadURL)
		if err != nil {
			return nil, err
		}
		if ready {
			result := make([]marketplace.WarehouseBreakdown, 0, len(items))
			for _, item := range items {
				wb := marketplace.WarehouseBreakdown{
					NmID:       item.NmID,
					VendorCode: item.VendorCode,
					Warehouses: make([]marketplace.WarehouseQuantity, 0, len(item.Warehouses)),
				}
				for _, w := range item.Warehouses {
					wb.Warehouses = append(wb.Warehouses, marketplace.WarehouseQuantity{
						Name:     w.Name,
						Quantity: w.Quantity,
					})
				}
				result = append(result, wb)
			}
			return result, nil
		}

		if time.Now().After(deadline) {
			return nil, domain.NewError(domain.KindMarketplaceTransient,
				fmt.Sprintf("warehouse remains task %s did not finish within %s", created.Data.TaskID, c.pollTimeout))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// downloadRemains attempts one download of the remains report. ready=false
// means the task is still running.
func (c *Client) downloadRemains(ctx context.Context, downloadURL string) ([]remainsItem, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, domain.WrapError(domain.KindMarketplaceTransient, "warehouse remains download failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var items []remainsItem
		if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
			return nil, false, domain.WrapError(domain.KindMarketplaceInvalid, "failed to parse warehouse remains", err)
		}
		return items, true, nil
	case http.StatusNotFound, http.StatusConflict, http.StatusTooEarly:
		// Task still running.
		io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, false, classifyStatus(resp.StatusCode, string(body))
	}
}

// FetchOrders returns the raw orders feed since dateFrom. The statistics API
// serves roughly one calendar week per call safely.
func (c *Client) FetchOrders(ctx context.Context, dateFrom time.Time) ([]marketplace.OrderRecord, error) {
	if err := c.waitLimiter(ctx, "marketplace:wildberries:statistics", statisticsLimitPerMin); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/v1/supplier/orders?dateFrom=%s&flag=0",
		c.statisticsBaseURL, url.QueryEscape(dateFrom.Format(time.RFC3339)))

	var records []orderRecord
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &records); err != nil {
		return nil, err
	}

	result := make([]marketplace.OrderRecord, 0, len(records))
	for _, r := range records {
		result = append(result, marketplace.OrderRecord{
			NmID:          r.NmID,
			WarehouseName: r.WarehouseName,
			SRID:          r.SRID,
			Cancelled:     r.IsCancel,
		})
	}

	c.log.Debug().Int("orders", len(result)).Msg("Fetched orders")
	return result, nil
}

// waitLimiter blocks on the shared limiter when one is configured.
func (c *Client) waitLimiter(ctx context.Context, key string, limitPerMin int) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, key, limitPerMin, time.Minute)
}

// do performs one HTTP exchange with exponential backoff on transport errors
// and 5xx responses. 429 honors Retry-After. Other 4xx responses are
// non-retriable and surface as marketplace_invalid.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	delay := c.retryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt).Str("url", endpoint).Msg("Request failed, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			delay = nextDelay(delay)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return domain.WrapError(domain.KindMarketplaceInvalid, "failed to parse response", err)
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := delay
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
					wait = time.Duration(secs) * time.Second
				}
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("rate limited by upstream (429)")
			c.log.Warn().Int("attempt", attempt).Dur("wait", wait).Str("url", endpoint).Msg("Upstream rate limit hit, backing off")
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			delay = nextDelay(delay)
			continue

		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, string(body))
			c.log.Warn().Int("attempt", attempt).Int("status", resp.StatusCode).Str("url", endpoint).Msg("Upstream error, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			delay = nextDelay(delay)
			continue

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
			resp.Body.Close()
			return classifyStatus(resp.StatusCode, string(body))
		}
	}

	return domain.WrapError(domain.KindMarketplaceTransient,
		fmt.Sprintf("giving up after %d attempts", retryAttempts), lastErr)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func classifyStatus(status int, body string) error {
	return domain.NewError(domain.KindMarketplaceInvalid,
		fmt.Sprintf("upstream returned status %d: %s", status, body))
}
