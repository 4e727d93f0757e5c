package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/predictpool/internal/crypto"
	"github.com/alanyoungcy/predictpool/internal/domain"
)

const (
	httpMaxRetries    = 2
	httpBaseRetryWait = 200 * time.Millisecond
)

var feedRefPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// HTTPFeed reads a numeric value from a JSON price/stat feed:
//
//	GET {baseURL}/feeds/{ref}  ->  {"value": "5123.40", "observed_at": "..."}
//
// Requests are signed when credentials are configured and throttled by a
// token bucket shared across markets.
type HTTPFeed struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// HTTPFeedConfig configures an HTTPFeed.
type HTTPFeedConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// NewHTTPFeed creates an HTTP feed source.
func NewHTTPFeed(cfg HTTPFeedConfig, logger *slog.Logger) *HTTPFeed {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	f := &HTTPFeed{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		logger:     logger.With(slog.String("component", "oracle_http")),
	}
	if cfg.APIKey != "" {
		f.auth = &crypto.HMACAuth{Key: cfg.APIKey, Secret: cfg.APISecret}
	}
	return f
}

func (f *HTTPFeed) Name() string { return "http" }

// ValidateRef accepts short feed identifiers.
func (f *HTTPFeed) ValidateRef(ref string) error {
	if !feedRefPattern.MatchString(ref) {
		return fmt.Errorf("oracle/http: feed %q: want 1-64 of [A-Za-z0-9._-]", ref)
	}
	return nil
}

type feedResponse struct {
	Value      *decimal.Decimal `json:"value"`
	ObservedAt *time.Time       `json:"observed_at,omitempty"`
}

// Query fetches the feed and applies the market's condition. A missing value,
// or one observed before the market expired, leaves the outcome empty.
func (f *HTTPFeed) Query(ctx context.Context, m domain.Market) (domain.OracleResult, error) {
	_, ref, err := SplitSource(m.OracleSource)
	if err != nil {
		return domain.OracleResult{}, err
	}
	cond, err := ParseCondition(m.OracleCondition)
	if err != nil {
		return domain.OracleResult{}, err
	}

	body, err := f.get(ctx, "/feeds/"+url.PathEscape(ref))
	if err != nil {
		return domain.OracleResult{}, fmt.Errorf("oracle/http: feed %s: %w", ref, err)
	}
	res := domain.OracleResult{Raw: domain.RawPayload(body)}

	var fr feedResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return res, fmt.Errorf("oracle/http: decode feed %s: %w", ref, err)
	}
	if fr.Value == nil {
		return res, nil
	}
	if fr.ObservedAt != nil && fr.ObservedAt.Before(m.ExpiresAt) {
		f.logger.WarnContext(ctx, "feed value predates market expiry",
			slog.String("market_id", m.ID),
			slog.Time("observed_at", *fr.ObservedAt),
		)
		return res, nil
	}
	res.Outcome = cond.Outcome(*fr.Value)
	return res, nil
}

// get performs a signed GET with rate limiting and retries on 429 and 5xx.
func (f *HTTPFeed) get(ctx context.Context, path string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if f.auth != nil {
			for k, v := range f.auth.Headers(http.MethodGet, path, "") {
				req.Header.Set(k, v)
			}
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			if attempt == httpMaxRetries || ctx.Err() != nil {
				return nil, err
			}
			f.sleep(ctx, attempt)
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if attempt == httpMaxRetries {
				return nil, fmt.Errorf("status %d after %d retries", resp.StatusCode, httpMaxRetries)
			}
			f.logger.WarnContext(ctx, "feed request retry",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
			)
			f.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
		}
		if readErr != nil {
			return nil, fmt.Errorf("read body: %w", readErr)
		}
		return body, nil
	}
}

func (f *HTTPFeed) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * httpBaseRetryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var _ Source = (*HTTPFeed)(nil)
