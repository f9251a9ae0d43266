package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxEntries caps the log when no limit is configured.
const DefaultMaxEntries = 100

// Outcome classifies one publication attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeVerifyMismatch   Outcome = "verify_mismatch"
	OutcomeCommitFailed     Outcome = "commit_failed"
	OutcomeRevealFailed     Outcome = "reveal_failed"
	OutcomeRevealPending    Outcome = "reveal_pending"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeBatchSuccess     Outcome = "batch_success"
	OutcomeBatchFailed      Outcome = "batch_failed"
	OutcomeDryRun           Outcome = "dry_run"
)

// Failed reports whether the outcome leaves the asset unpublished.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeSuccess, OutcomeVerifyMismatch, OutcomeBatchSuccess, OutcomeDryRun:
		return false
	default:
		return true
	}
}

// BatchMember is one asset carried by a batch transaction.
type BatchMember struct {
	Asset       string  `json:"asset"`
	AssetID     string  `json:"asset_id"`
	PriceUSD    float64 `json:"price_usd"`
	ScaledPrice string  `json:"scaled_price"`
}

// Entry is one audit record. Nonces are never recorded.
type Entry struct {
	Timestamp   time.Time     `json:"timestamp"`
	RunID       string        `json:"run_id,omitempty"`
	Asset       string        `json:"asset,omitempty"`
	AssetID     string        `json:"asset_id,omitempty"`
	PriceUSD    float64       `json:"price_usd,omitempty"`
	ScaledPrice string        `json:"scaled_price,omitempty"`
	CommitTx    string        `json:"commit_tx,omitempty"`
	RevealTx    string        `json:"reveal_tx,omitempty"`
	BlockRef    uint64        `json:"block,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Batch       []BatchMember `json:"batch,omitempty"`
}

// Sink receives audit entries.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// File keeps the most recent entries as a JSON array, evicting the oldest beyond the cap.
type File struct {
	path   string
	max    int
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewFile returns a capped log at path.
func NewFile(path string, maxEntries int, logger zerolog.Logger) *File {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &File{path: path, max: maxEntries, logger: logger.With().Str("component", "audit").Logger()}
}

// Append adds an entry and rewrites the file atomically.
func (f *File) Append(_ context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	entries, err := f.load()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if len(entries) > f.max {
		entries = entries[len(entries)-f.max:]
	}

	if err := f.write(entries); err != nil {
		return err
	}
	f.logger.Debug().Str("outcome", string(entry.Outcome)).Str("asset", entry.Asset).Int("entries", len(entries)).Msg("audit entry recorded")
	return nil
}

// Entries returns the retained entries, oldest first.
func (f *File) Entries() ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() ([]Entry, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// keep the unreadable file for inspection and start a fresh log
		aside := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().Unix())
		if renameErr := os.Rename(f.path, aside); renameErr != nil {
			return nil, fmt.Errorf("decode audit log: %w", err)
		}
		f.logger.Warn().Err(err).Str("moved_to", aside).Msg("audit log unreadable; starting new log")
		return nil, nil
	}
	return entries, nil
}

func (f *File) write(entries []Entry) error {
	dir := filepath.Dir(f.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create audit temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

// Multi fans an entry out to several sinks. The first sink is authoritative: its error is returned,
// later sinks only log failures.
type Multi struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewMulti builds a fan-out sink; nil sinks are skipped.
func NewMulti(logger zerolog.Logger, sinks ...Sink) *Multi {
	m := &Multi{logger: logger.With().Str("component", "audit").Logger()}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Append(ctx context.Context, entry Entry) error {
	var primary error
	for i, s := range m.sinks {
		err := s.Append(ctx, entry)
		if err == nil {
			continue
		}
		if i == 0 {
			primary = err
			continue
		}
		m.logger.Error().Err(err).Str("outcome", string(entry.Outcome)).Msg("secondary audit sink failed")
	}
	return primary
}

var (
	_ Sink = (*File)(nil)
	_ Sink = (*Multi)(nil)
)
