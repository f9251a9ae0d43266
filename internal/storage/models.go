package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"gpu-price-oracle/internal/audit"
	"gpu-price-oracle/internal/index"
)

// IndexRow is the persisted form of a computed index. Missing prices are NULL.
type IndexRow struct {
	ComputedAt           time.Time
	FullPrice            decimal.NullDecimal
	HyperscalerPrice     decimal.NullDecimal
	NonHyperscalerPrice  decimal.NullDecimal
	TotalWeight          decimal.Decimal
	HyperscalerWeight    decimal.Decimal
	NonHyperscalerWeight decimal.Decimal
	Source               string
	Supersedes           *time.Time
}

// PublicationRow mirrors one audit entry.
type PublicationRow struct {
	LoggedAt    time.Time
	RunID       string
	Asset       string
	AssetID     string
	PriceUSD    decimal.NullDecimal
	ScaledPrice decimal.NullDecimal
	CommitTx    *string
	RevealTx    *string
	BlockRef    *int64
	Outcome     string
	Error       *string
	Batch       json.RawMessage
}

func nullFromFloat(v float64) decimal.NullDecimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}

func floatFromNull(v decimal.NullDecimal) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Decimal.InexactFloat64()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ToIndexRow converts a computed index for storage.
func ToIndexRow(ci index.ComputedIndex) IndexRow {
	row := IndexRow{
		ComputedAt:           ci.ComputedAt.UTC(),
		FullPrice:            nullFromFloat(ci.FullPrice),
		HyperscalerPrice:     nullFromFloat(ci.HyperscalerPrice),
		NonHyperscalerPrice:  nullFromFloat(ci.NonHyperscalerPrice),
		TotalWeight:          decimal.NewFromFloat(ci.TotalWeight),
		HyperscalerWeight:    decimal.NewFromFloat(ci.HyperscalerWeight),
		NonHyperscalerWeight: decimal.NewFromFloat(ci.NonHyperscalerWeight),
		Source:               string(ci.Source),
	}
	if ci.Supersedes != nil {
		at := ci.Supersedes.UTC()
		row.Supersedes = &at
	}
	return row
}

// ComputedIndex converts a stored row back.
func (r IndexRow) ComputedIndex() (index.ComputedIndex, error) {
	src, ok := index.ParseSource(r.Source)
	if !ok {
		return index.ComputedIndex{}, fmt.Errorf("unknown index source %q", r.Source)
	}
	return index.ComputedIndex{
		FullPrice:            floatFromNull(r.FullPrice),
		HyperscalerPrice:     floatFromNull(r.HyperscalerPrice),
		NonHyperscalerPrice:  floatFromNull(r.NonHyperscalerPrice),
		TotalWeight:          r.TotalWeight.InexactFloat64(),
		HyperscalerWeight:    r.HyperscalerWeight.InexactFloat64(),
		NonHyperscalerWeight: r.NonHyperscalerWeight.InexactFloat64(),
		ComputedAt:           r.ComputedAt.UTC(),
		Source:               src,
		Supersedes:           r.Supersedes,
	}, nil
}

// ToPublicationRow converts an audit entry for the mirror table.
func ToPublicationRow(e audit.Entry) (PublicationRow, error) {
	row := PublicationRow{
		LoggedAt: e.Timestamp.UTC(),
		RunID:    e.RunID,
		Asset:    e.Asset,
		AssetID:  e.AssetID,
		CommitTx: optionalString(e.CommitTx),
		RevealTx: optionalString(e.RevealTx),
		Outcome:  string(e.Outcome),
		Error:    optionalString(e.Error),
	}
	if e.PriceUSD != 0 {
		row.PriceUSD = nullFromFloat(e.PriceUSD)
	}
	if e.ScaledPrice != "" {
		scaled, err := decimal.NewFromString(e.ScaledPrice)
		if err != nil {
			return PublicationRow{}, fmt.Errorf("parse scaled price: %w", err)
		}
		row.ScaledPrice = decimal.NewNullDecimal(scaled)
	}
	if e.BlockRef != 0 {
		b := int64(e.BlockRef)
		row.BlockRef = &b
	}
	if len(e.Batch) > 0 {
		raw, err := json.Marshal(e.Batch)
		if err != nil {
			return PublicationRow{}, fmt.Errorf("marshal batch members: %w", err)
		}
		row.Batch = raw
	}
	return row, nil
}

// Entry converts a mirror row back to an audit entry.
func (r PublicationRow) Entry() (audit.Entry, error) {
	e := audit.Entry{
		Timestamp: r.LoggedAt.UTC(),
		RunID:     r.RunID,
		Asset:     r.Asset,
		AssetID:   r.AssetID,
		Outcome:   audit.Outcome(r.Outcome),
	}
	if r.PriceUSD.Valid {
		e.PriceUSD = r.PriceUSD.Decimal.InexactFloat64()
	}
	if r.ScaledPrice.Valid {
		e.ScaledPrice = r.ScaledPrice.Decimal.String()
	}
	if r.CommitTx != nil {
		e.CommitTx = *r.CommitTx
	}
	if r.RevealTx != nil {
		e.RevealTx = *r.RevealTx
	}
	if r.BlockRef != nil {
		e.BlockRef = uint64(*r.BlockRef)
	}
	if r.Error != nil {
		e.Error = *r.Error
	}
	if len(r.Batch) > 0 {
		if err := json.Unmarshal(r.Batch, &e.Batch); err != nil {
			return audit.Entry{}, fmt.Errorf("decode batch members: %w", err)
		}
	}
	return e, nil
}
