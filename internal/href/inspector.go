// Package href tracks the external and local references found in block data.
package href

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/maruel/blockdb/internal/models"
	"golang.org/x/time/rate"
)

var errEndpointRequired = errors.New("inspector endpoint is required")

// Info is the metadata an inspector reports about a url.
type Info struct {
	URL         string `json:"url"`
	Canonical   string `json:"canonical,omitempty"`
	Type        string `json:"type"`
	Mime        string `json:"mime"`
	Title       string `json:"title"`
	Icon        string `json:"icon,omitempty"`
	Site        string `json:"site,omitempty"`
	Lang        string `json:"lang,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
	Width       *int64 `json:"width,omitempty"`
	Height      *int64 `json:"height,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

// Inspector fetches descriptive metadata about a url.
type Inspector interface {
	Inspect(ctx context.Context, u string) (*Info, error)
}

// HTTPInspector queries a remote inspector service as GET <endpoint>?url=<u>.
type HTTPInspector struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPInspector returns an inspector allowing perSecond requests with the
// given burst.
func NewHTTPInspector(endpoint string, perSecond float64, burst int) (*HTTPInspector, error) {
	if endpoint == "" {
		return nil, errEndpointRequired
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid inspector endpoint: %w", err)
	}
	if burst < 1 {
		burst = 1
	}
	return &HTTPInspector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// Inspect implements Inspector.
func (h *HTTPInspector) Inspect(ctx context.Context, u string) (*Info, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint, _ := url.Parse(h.endpoint)
	q := endpoint.Query()
	q.Set("url", u)
	endpoint.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("inspect %s: status %d", u, resp.StatusCode)
	}
	info := &Info{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(info); err != nil {
		return nil, fmt.Errorf("inspect %s: %w", u, err)
	}
	return fixup(info), nil
}

// fixup corrects known inspector shortcomings.
func fixup(info *Info) *Info {
	if info.Icon == "data:/," {
		info.Icon = ""
	}
	if info.Mime == "image/svg" {
		info.Mime = "image/svg+xml"
	}
	if info.Type == "" {
		info.Type = models.HrefTypeLink
	}
	if info.Type == "image" && info.Mime != "text/html" && info.Thumbnail == "" {
		info.Thumbnail = info.URL
	}
	return info
}
