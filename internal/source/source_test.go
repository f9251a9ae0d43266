package source

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gpu-price-oracle/internal/failure"
)

func TestParseCSVCanonicalAndAliases(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "canonical", header: "provider,normalized_price,sample_count,std_dev"},
		{name: "pipeline aliases", header: "Provider,AvgNormalizedPrice,SampleCount,StdDev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.header + "\nLambda Labs,2.49,12,0.1\nNebius,,3,\n"
			samples, err := ParseCSV(strings.NewReader(body), "test")
			require.NoError(t, err)
			require.Len(t, samples, 2)
			require.Equal(t, "Lambda Labs", samples[0].Provider)
			require.Equal(t, 2.49, samples[0].NormalizedPrice)
			require.Equal(t, 12, samples[0].SampleCount)
			require.True(t, math.IsNaN(samples[1].NormalizedPrice), "empty price cell decodes as NaN")
		})
	}
}

func TestParseCSVMissingPriceColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("provider,sample_count\nLambda,3\n"), "test")
	require.True(t, failure.IsData(err))
	require.Contains(t, err.Error(), "normalized_price")
}

func TestParseCSVMalformedPrice(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("provider,normalized_price\nLambda,abc\n"), "test")
	require.True(t, failure.IsData(err))

	_, err = ParseCSV(strings.NewReader("provider,normalized_price\nLambda,-1\n"), "test")
	require.True(t, failure.IsData(err))
}

func TestCSVSourceRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.csv")
	require.NoError(t, os.WriteFile(path, []byte("provider,normalized_price\nA,1.5\n"), 0o644))

	src, err := New(Options{Kind: "csv", Path: path}, zerolog.Nop())
	require.NoError(t, err)

	first, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1.5, first[0].NormalizedPrice)

	require.NoError(t, os.WriteFile(path, []byte("provider,normalized_price\nA,1.7\n"), 0o644))
	second, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1.7, second[0].NormalizedPrice)
}

func TestCSVSourceMissingFile(t *testing.T) {
	src, err := NewCSV(filepath.Join(t.TempDir(), "absent.csv"), zerolog.Nop())
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	require.True(t, failure.IsData(err))
}

func TestHTTPSourceJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"samples":[{"provider":"RunPod","normalized_price":2.79,"sample_count":4},{"provider":"Vast.ai","normalized_price":null}]}`))
	}))
	defer srv.Close()

	src, err := New(Options{Kind: "http", URL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	samples, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, 2.79, samples[0].NormalizedPrice)
	require.True(t, math.IsNaN(samples[1].NormalizedPrice))
}

func TestHTTPSourceCSVBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("provider,normalized_price\nRunPod,2.79\n"))
	}))
	defer srv.Close()

	src, err := NewHTTP(Options{URL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	samples, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
}

func TestHTTPSourceErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	src, err := NewHTTP(Options{URL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.True(t, failure.Retryable(err), "5xx is a connection problem")

	status.Store(http.StatusNotFound)
	_, err = src.Fetch(context.Background())
	require.True(t, failure.IsData(err))
}

func TestUnknownKind(t *testing.T) {
	_, err := New(Options{Kind: "scraper"}, zerolog.Nop())
	require.Error(t, err)
	require.Equal(t, []string{"csv", "http", "static"}, Kinds())
}

func TestStaticSource(t *testing.T) {
	src, err := New(Options{Kind: "static", Samples: []StaticSample{{Provider: "A", NormalizedPrice: 2}}}, zerolog.Nop())
	require.NoError(t, err)
	samples, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2.0, samples[0].NormalizedPrice)
}
