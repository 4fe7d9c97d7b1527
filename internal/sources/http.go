package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

// Upper bound on a single payload.
const maxPayloadBytes = 32 << 20

// HTTP fetches a JSON listing feed over HTTP.
type HTTP struct {
	cfg    Config
	client *http.Client
}

var _ lotwatch.Source = (*HTTP)(nil)

func NewHTTP(cfg Config, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTP{cfg: cfg, client: client}
}

func (h *HTTP) Name() string     { return h.cfg.Name }
func (h *HTTP) Currency() string { return h.cfg.Currency }

func (h *HTTP) Fetch(ctx context.Context) ([]lotwatch.RawListing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting source url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return decode(io.LimitReader(resp.Body, maxPayloadBytes), h.cfg.ListingsKey)
}
