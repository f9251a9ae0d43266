package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/index"
)

const (
	colProvider = "provider"
	colPrice    = "normalized_price"
	colCount    = "sample_count"
	colStdDev   = "std_dev"
)

// headerAliases maps accepted header spellings, lowercased, onto canonical columns.
var headerAliases = map[string]string{
	"provider":             colProvider,
	"provider_name":        colProvider,
	"normalized_price":     colPrice,
	"avgnormalizedprice":   colPrice,
	"avg_normalized_price": colPrice,
	"sample_count":         colCount,
	"samplecount":          colCount,
	"std_dev":              colStdDev,
	"stddev":               colStdDev,
}

// CSV reads the provider table from a file on every Fetch.
type CSV struct {
	path   string
	logger zerolog.Logger
}

// NewCSV builds a file-backed source.
func NewCSV(path string, logger zerolog.Logger) (*CSV, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("source.path is required for csv source")
	}
	return &CSV{path: path, logger: logger.With().Str("component", "source_csv").Logger()}, nil
}

func (c *CSV) Name() string { return "csv:" + c.path }

func (c *CSV) Fetch(ctx context.Context) ([]index.ProviderSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(c.path)
	if err != nil {
		return nil, &failure.DataError{Source: c.path, Reason: "cannot open provider table", Err: err}
	}
	defer file.Close()

	samples, err := ParseCSV(file, c.path)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("samples", len(samples)).Msg("provider table loaded")
	return samples, nil
}

// ParseCSV decodes a provider table. A missing provider or price column, or an unparseable price,
// is a DataError. Empty price cells decode as NaN.
func ParseCSV(r io.Reader, name string) ([]index.ProviderSample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &failure.DataError{Source: name, Reason: "empty provider table"}
		}
		return nil, &failure.DataError{Source: name, Reason: "unreadable header", Err: err}
	}

	cols := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canonical, ok := headerAliases[key]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	for _, required := range []string{colProvider, colPrice} {
		if _, ok := cols[required]; !ok {
			return nil, &failure.DataError{Source: name, Reason: fmt.Sprintf("missing required column %q", required)}
		}
	}

	var samples []index.ProviderSample
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &failure.DataError{Source: name, Reason: fmt.Sprintf("line %d unreadable", line), Err: err}
		}

		provider := strings.TrimSpace(cell(record, cols, colProvider))
		if provider == "" {
			continue
		}

		price, err := parsePrice(cell(record, cols, colPrice))
		if err != nil {
			return nil, &failure.DataError{Source: name, Reason: fmt.Sprintf("line %d: invalid price for %s", line, provider), Err: err}
		}

		sample := index.ProviderSample{Provider: provider, NormalizedPrice: price, StdDev: math.NaN()}
		if raw := strings.TrimSpace(cell(record, cols, colCount)); raw != "" {
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				sample.SampleCount = int(n)
			}
		}
		if raw := strings.TrimSpace(cell(record, cols, colStdDev)); raw != "" {
			if sd, err := strconv.ParseFloat(raw, 64); err == nil {
				sample.StdDev = sd
			}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func cell(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}

func parsePrice(raw string) (float64, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	if raw == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative price %v", v)
	}
	return v, nil
}

var _ PriceSource = (*CSV)(nil)
