package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gpu-price-oracle/internal/index"
)

// ErrNotFound is returned when a correction targets an entry that does not exist.
var ErrNotFound = errors.New("history: entry not found")

// Store is an append-only log of computed indices ordered by ComputedAt.
// Entries are never edited or removed.
type Store interface {
	Append(ctx context.Context, entry index.ComputedIndex) error
	// Recent returns up to limit most recent entries, oldest first.
	Recent(ctx context.Context, limit int) ([]index.ComputedIndex, error)
}

// Last returns the most recent entry, if any.
func Last(ctx context.Context, store Store) (index.ComputedIndex, bool, error) {
	entries, err := store.Recent(ctx, 1)
	if err != nil {
		return index.ComputedIndex{}, false, err
	}
	if len(entries) == 0 {
		return index.ComputedIndex{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

// Correct appends a correction entry that supersedes the entry computed at target.
// The original row is left untouched; readers resolve the replacement with Effective.
func Correct(ctx context.Context, store Store, target time.Time, corrected index.ComputedIndex, scan int) (index.ComputedIndex, error) {
	if scan <= 0 {
		scan = 1000
	}
	entries, err := store.Recent(ctx, scan)
	if err != nil {
		return index.ComputedIndex{}, err
	}
	found := false
	for _, e := range entries {
		if e.ComputedAt.Equal(target) {
			found = true
			break
		}
	}
	if !found {
		return index.ComputedIndex{}, fmt.Errorf("%w: computed_at=%s", ErrNotFound, target.Format(time.RFC3339))
	}

	at := target.UTC()
	corrected.Source = index.SourceCorrection
	corrected.Supersedes = &at
	if corrected.ComputedAt.IsZero() {
		corrected.ComputedAt = time.Now().UTC()
	}
	if err := store.Append(ctx, corrected); err != nil {
		return index.ComputedIndex{}, err
	}
	return corrected, nil
}

// Effective resolves corrections: a superseded entry is replaced in place by its latest correction
// and the correction rows themselves are not repeated. Order follows the original entries.
func Effective(entries []index.ComputedIndex) []index.ComputedIndex {
	replacements := make(map[int64]index.ComputedIndex)
	for _, e := range entries {
		if e.Source == index.SourceCorrection && e.Supersedes != nil {
			replacements[e.Supersedes.UnixNano()] = e
		}
	}
	if len(replacements) == 0 {
		return entries
	}

	out := make([]index.ComputedIndex, 0, len(entries))
	for _, e := range entries {
		if e.Source == index.SourceCorrection && e.Supersedes != nil {
			continue
		}
		if r, ok := replacements[e.ComputedAt.UnixNano()]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, e)
	}
	return out
}

// ReadOnly wraps a store so appends are dropped. Dry runs use it to evaluate the guard
// without touching history.
type ReadOnly struct {
	Store Store
}

func (r ReadOnly) Append(context.Context, index.ComputedIndex) error { return nil }

func (r ReadOnly) Recent(ctx context.Context, limit int) ([]index.ComputedIndex, error) {
	return r.Store.Recent(ctx, limit)
}
