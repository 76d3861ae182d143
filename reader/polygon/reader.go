package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/metrics/rate"
	"tickerflow/logger"
	"tickerflow/models"
)

const (
	// Provider names the data source in logs and rate limit detection.
	Provider = "polygon"

	tickersPath = "/v3/reference/tickers"
	apiKeyParam = "apiKey"

	// maxErrorBody bounds how much of a failed response is kept for the error message.
	maxErrorBody = 4 << 10
)

// tickersResponse is the envelope of /v3/reference/tickers.
type tickersResponse struct {
	Status    string                `json:"status"`
	RequestID string                `json:"request_id"`
	Count     int                   `json:"count"`
	Results   []models.TickerRecord `json:"results"`
	NextURL   string                `json:"next_url"`
	Error     string                `json:"error"`
	Message   string                `json:"message"`
}

func (r tickersResponse) errorText() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}

// Reader fetches pages of ticker reference data. It holds no pagination
// state; the cursor is supplied on every call.
type Reader struct {
	cfg     appconfig.PolygonConfig
	baseURL *url.URL
	client  *http.Client
	log     *logger.Log
	now     func() time.Time
}

// Option customises a Reader.
type Option func(*Reader)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reader) { r.client = c }
}

// NewReader validates cfg and builds a Reader.
func NewReader(cfg appconfig.PolygonConfig, opts ...Option) (*Reader, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("polygon api key not configured")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid polygon base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := &Reader{
		cfg:     cfg,
		baseURL: base,
		client:  &http.Client{Timeout: timeout},
		log:     logger.GetLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Name identifies the source in logs.
func (r *Reader) Name() string { return Provider }

// InitialURL is the first page request without credentials.
func (r *Reader) InitialURL() string {
	q := url.Values{}
	if r.cfg.Market != "" {
		q.Set("market", r.cfg.Market)
	}
	q.Set("active", strconv.FormatBool(r.cfg.Active))
	if r.cfg.Order != "" {
		q.Set("order", r.cfg.Order)
	}
	if r.cfg.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.cfg.Limit))
	}
	if r.cfg.Sort != "" {
		q.Set("sort", r.cfg.Sort)
	}
	u := *r.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + tickersPath
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch requests the page identified by cursor, or the first page when the
// cursor is empty. Failures are returned as *models.FetchError, except context
// cancellation which is returned unwrapped.
func (r *Reader) Fetch(ctx context.Context, cursor models.Cursor) (models.PageResult, error) {
	target := r.InitialURL()
	if !cursor.IsEnd() {
		target = string(cursor)
	}

	reqURL, err := r.authorize(target)
	if err != nil {
		return models.PageResult{}, &models.FetchError{Class: models.ErrorClassClient, Message: "invalid cursor", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return models.PageResult{}, &models.FetchError{Class: models.ErrorClassClient, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.PageResult{}, ctxErr
		}
		return models.PageResult{}, &models.FetchError{Class: models.ErrorClassNetwork, Message: "request tickers page", Err: redact(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.PageResult{}, r.classifyStatus(resp)
	}

	var payload tickersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.PageResult{}, ctxErr
		}
		return models.PageResult{}, &models.FetchError{
			Class:      models.ErrorClassNetwork,
			StatusCode: resp.StatusCode,
			Message:    "decode tickers page",
			Err:        err,
		}
	}

	if strings.EqualFold(payload.Status, "ERROR") {
		return models.PageResult{}, r.classifyMessage(resp.StatusCode, payload.errorText(), resp.Header)
	}

	next, err := r.cursorFrom(payload.NextURL)
	if err != nil {
		return models.PageResult{}, &models.FetchError{
			Class:      models.ErrorClassClient,
			StatusCode: resp.StatusCode,
			Message:    "invalid next_url",
			Err:        err,
		}
	}

	r.log.WithComponent("polygon_reader").WithFields(logger.Fields{
		"request_id": payload.RequestID,
		"records":    len(payload.Results),
		"has_next":   !next.IsEnd(),
	}).Debug("tickers page received")

	return models.PageResult{Records: payload.Results, NextCursor: next}, nil
}

func (r *Reader) classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))
	var payload tickersResponse
	if json.Unmarshal(body, &payload) == nil && payload.errorText() != "" {
		msg = payload.errorText()
	}
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &models.FetchError{
			Class:      models.ErrorClassRateLimit,
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: rate.RetryAfter(resp.Header, r.now()),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &models.FetchError{Class: models.ErrorClassAuth, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode >= 500:
		return &models.FetchError{Class: models.ErrorClassServer, StatusCode: resp.StatusCode, Message: msg}
	}

	fe := r.classifyMessage(resp.StatusCode, msg, resp.Header)
	if fe.Class == models.ErrorClassServer {
		fe.Class = models.ErrorClassClient
	}
	return fe
}

// classifyMessage maps an error text carried in a response body to a class.
// Unrecognised messages are treated as server side failures.
func (r *Reader) classifyMessage(status int, msg string, header http.Header) *models.FetchError {
	fe := &models.FetchError{Class: models.ErrorClassServer, StatusCode: status, Message: msg}
	rateLimited, authFailure := rate.DetectLimit(Provider, msg)
	switch {
	case rateLimited:
		fe.Class = models.ErrorClassRateLimit
		fe.RetryAfter = rate.RetryAfter(header, r.now())
	case authFailure:
		fe.Class = models.ErrorClassAuth
	}
	return fe
}

// authorize attaches the API key to target after checking that it points at
// the configured host.
func (r *Reader) authorize(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		u = r.baseURL.ResolveReference(u)
	}
	if !strings.EqualFold(u.Host, r.baseURL.Host) {
		return "", fmt.Errorf("cursor host %q does not match %q", u.Host, r.baseURL.Host)
	}
	q := u.Query()
	q.Set(apiKeyParam, r.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// cursorFrom turns next_url into a cursor with any credential removed so it
// can be persisted.
func (r *Reader) cursorFrom(nextURL string) (models.Cursor, error) {
	nextURL = strings.TrimSpace(nextURL)
	if nextURL == "" {
		return "", nil
	}
	u, err := url.Parse(nextURL)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		u = r.baseURL.ResolveReference(u)
	}
	q := u.Query()
	q.Del(apiKeyParam)
	u.RawQuery = q.Encode()
	return models.Cursor(u.String()), nil
}

// redact strips the request URL (and with it the API key) from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%s: timeout: %w", urlErr.Op, urlErr.Err)
		}
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
