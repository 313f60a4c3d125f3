package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/retry"
)

// DefaultBackfillLimit is the per-request page size ceiling.
const DefaultBackfillLimit = 10_000

// BackfillResponse is the wire shape of one backfill page. NextSequence is
// 0 when HasMore is false.
type BackfillResponse struct {
	SchemaVersion int          `json:"schema_version"`
	Topic         string       `json:"topic"`
	StartSequence uint64       `json:"start_sequence"`
	Candles       []WireCandle `json:"candles"`
	HasMore       bool         `json:"has_more"`
	NextSequence  uint64       `json:"next_sequence"`
}

// RangeUnavailableError reports a request below the upstream's retention
// floor. EarliestSequence is the oldest sequence still retained, 0 when
// the upstream did not say.
type RangeUnavailableError struct {
	EarliestSequence uint64
}

func (e *RangeUnavailableError) Error() string {
	return fmt.Sprintf("%v: earliest retained sequence %d", ErrRangeUnavailable, e.EarliestSequence)
}

func (e *RangeUnavailableError) Unwrap() error { return ErrRangeUnavailable }

func decodeRangeUnavailable(body []byte) error {
	var wire struct {
		EarliestSequence uint64 `json:"earliest_sequence"`
	}
	_ = json.Unmarshal(body, &wire)
	return &RangeUnavailableError{EarliestSequence: wire.EarliestSequence}
}

// BackfillClient pulls historical ranges from the upstream's range-query
// endpoint. Requests are rate limited so catch-up bursts cannot starve the
// upstream.
type BackfillClient struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	limit   int
	logger  *slog.Logger
}

type BackfillOption func(*BackfillClient)

func WithBackfillLimit(limit int) BackfillOption {
	return func(c *BackfillClient) {
		if limit > 0 {
			c.limit = limit
		}
	}
}

func WithBackfillRateLimit(rps float64, burst int) BackfillOption {
	return func(c *BackfillClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func WithBackfillHTTPClient(httpc *http.Client) BackfillOption {
	return func(c *BackfillClient) { c.httpc = httpc }
}

func NewBackfillClient(baseURL string, logger *slog.Logger, opts ...BackfillOption) *BackfillClient {
	c := &BackfillClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		limit:   DefaultBackfillLimit,
		logger:  logger.With("component", "backfill_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage requests one page of candles with sequence > fromExclusive.
// endTS, when non-zero, bounds the page to candles at or before it.
func (c *BackfillClient) FetchPage(ctx context.Context, key model.StreamKey, fromExclusive uint64, endTS time.Time) (model.Batch, *BackfillResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Batch{}, nil, err
	}

	q := url.Values{}
	q.Set("topic", key.Topic())
	q.Set("from_sequence", strconv.FormatUint(fromExclusive, 10))
	q.Set("limit", strconv.Itoa(c.limit))
	if !endTS.IsZero() {
		q.Set("end_ts_ms", strconv.FormatInt(endTS.UnixMilli(), 10))
	}

	body, err := c.get(ctx, "/api/backfill", q)
	if err != nil {
		return model.Batch{}, nil, err
	}

	var resp BackfillResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Batch{}, nil, fmt.Errorf("%w: backfill response: %v", ErrDecode, err)
	}
	if resp.SchemaVersion != WireSchemaVersion {
		return model.Batch{}, nil, fmt.Errorf("%w: schema version mismatch: got %d want %d",
			ErrDecode, resp.SchemaVersion, WireSchemaVersion)
	}
	if len(resp.Candles) == 0 {
		return model.Batch{}, &resp, nil
	}
	if resp.StartSequence != fromExclusive+1 {
		return model.Batch{}, nil, fmt.Errorf("%w: page starts at %d, requested after %d",
			ErrDecode, resp.StartSequence, fromExclusive)
	}

	candles := make([]model.Candle, len(resp.Candles))
	for i, wc := range resp.Candles {
		candles[i] = wc.toModel()
	}
	batch := model.NewBatch(key, model.SourceBackfill, resp.StartSequence, candles)
	if err := batch.Validate(); err != nil {
		return model.Batch{}, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return batch, &resp, nil
}

// FetchRange pages through [fromExclusive+1, target], invoking apply for
// each page in order. target 0 means "until the upstream reports no more".
// Pagination stops early if apply fails.
func (c *BackfillClient) FetchRange(ctx context.Context, key model.StreamKey, fromExclusive, target uint64, apply func(model.Batch) error) error {
	cursor := fromExclusive
	for {
		if target != 0 && cursor >= target {
			return nil
		}
		prev := cursor
		batch, resp, err := c.FetchPage(ctx, key, cursor, time.Time{})
		if err != nil {
			return err
		}
		if len(batch.Points) > 0 {
			if err := apply(batch); err != nil {
				return err
			}
			cursor = batch.EndSequence
		}
		if !resp.HasMore {
			return nil
		}
		if resp.NextSequence != 0 {
			cursor = resp.NextSequence - 1
		}
		if cursor <= prev {
			// An upstream claiming more data while advancing nothing
			// would otherwise loop forever on the same request.
			return fmt.Errorf("%w: backfill made no progress past %d (has_more with next_sequence %d)",
				ErrDecode, prev, resp.NextSequence)
		}
	}
}

func (c *BackfillClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultReadLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusGone:
		return nil, decodeRangeUnavailable(body)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable,
			&retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)})
	default:
		return nil, retry.Terminal(&retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}
}
