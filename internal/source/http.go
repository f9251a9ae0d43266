package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/index"
)

// HTTP fetches the provider table from the normalization service. It accepts a JSON array, an object
// with a "samples" array, or a CSV body.
type HTTP struct {
	url       string
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

// NewHTTP constructs an HTTP source.
func NewHTTP(opts Options, logger zerolog.Logger) (*HTTP, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("source.url is required for http source")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "gpuoracle/1.0"
	}
	return &HTTP{
		url:       opts.URL,
		userAgent: ua,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "source_http").Logger(),
	}, nil
}

func (h *HTTP) Name() string { return "http:" + h.url }

func (h *HTTP) Fetch(ctx context.Context) ([]index.ProviderSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/csv")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &failure.ConnectionError{Op: "fetch provider table", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &failure.ConnectionError{Op: "read provider table", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(h.url, resp.StatusCode, payload)
	}

	var samples []index.ProviderSample
	if strings.Contains(resp.Header.Get("Content-Type"), "csv") {
		samples, err = ParseCSV(bytes.NewReader(payload), h.url)
	} else {
		samples, err = decodeJSON(payload, h.url)
	}
	if err != nil {
		return nil, err
	}

	h.logger.Debug().Int("samples", len(samples)).Msg("provider table fetched")
	return samples, nil
}

type jsonSample struct {
	Provider        string   `json:"provider"`
	NormalizedPrice *float64 `json:"normalized_price"`
	SampleCount     int      `json:"sample_count"`
	StdDev          *float64 `json:"std_dev"`
}

func decodeJSON(payload []byte, name string) ([]index.ProviderSample, error) {
	trimmed := bytes.TrimSpace(payload)
	var rows []jsonSample
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Samples []jsonSample `json:"samples"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, &failure.DataError{Source: name, Reason: "malformed JSON body", Err: err}
		}
		rows = wrapped.Samples
	} else if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, &failure.DataError{Source: name, Reason: "malformed JSON body", Err: err}
	}

	samples := make([]index.ProviderSample, 0, len(rows))
	for i, r := range rows {
		if strings.TrimSpace(r.Provider) == "" {
			return nil, &failure.DataError{Source: name, Reason: fmt.Sprintf("row %d: missing provider", i)}
		}
		s := index.ProviderSample{Provider: r.Provider, NormalizedPrice: math.NaN(), SampleCount: r.SampleCount, StdDev: math.NaN()}
		if r.NormalizedPrice != nil {
			if *r.NormalizedPrice < 0 {
				return nil, &failure.DataError{Source: name, Reason: fmt.Sprintf("row %d: negative price for %s", i, r.Provider)}
			}
			s.NormalizedPrice = *r.NormalizedPrice
		}
		if r.StdDev != nil {
			s.StdDev = *r.StdDev
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func parseHTTPError(name string, status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("provider table endpoint returned %d: %s", status, msg)
	if status >= 500 || status == http.StatusTooManyRequests {
		return &failure.ConnectionError{Op: "fetch provider table", Err: err}
	}
	return &failure.DataError{Source: name, Reason: "request rejected", Err: err}
}

var _ PriceSource = (*HTTP)(nil)
