package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/retry"
)

// WatermarkResponse is the wire shape of a watermark query. LatestSequence
// is 0 when the upstream has never published for the topic.
type WatermarkResponse struct {
	SchemaVersion  int    `json:"schema_version"`
	Topic          string `json:"topic"`
	LatestSequence uint64 `json:"latest_sequence"`
	LatestTSMillis int64  `json:"latest_ts_ms"`
}

// WatermarkClient queries the upstream's latest published sequence. The
// answer is advisory: it bounds catch-up, it never gates correctness.
type WatermarkClient struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewWatermarkClient(baseURL string, logger *slog.Logger) *WatermarkClient {
	return &WatermarkClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "watermark_client"),
	}
}

func (c *WatermarkClient) Fetch(ctx context.Context, key model.StreamKey) (model.Watermark, error) {
	q := url.Values{}
	q.Set("topic", key.Topic())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/watermark?"+q.Encode(), nil)
	if err != nil {
		return model.Watermark{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return model.Watermark{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Watermark{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return model.Watermark{}, fmt.Errorf("%w: %v", ErrUnavailable, statusErr)
		}
		return model.Watermark{}, retry.Terminal(statusErr)
	}

	var wire WatermarkResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return model.Watermark{}, fmt.Errorf("%w: watermark response: %v", ErrDecode, err)
	}
	if wire.SchemaVersion != WireSchemaVersion {
		return model.Watermark{}, fmt.Errorf("%w: schema version mismatch: got %d want %d",
			ErrDecode, wire.SchemaVersion, WireSchemaVersion)
	}

	return model.Watermark{
		Key:             key,
		LatestSequence:  wire.LatestSequence,
		LatestEventTime: time.UnixMilli(wire.LatestTSMillis).UTC(),
		ObservedAt:      time.Now().UTC(),
	}, nil
}
