package config

import (
	"fmt"
	"strings"

	"gpu-price-oracle/internal/index"
	"gpu-price-oracle/internal/ledger"
	"gpu-price-oracle/internal/publisher"
)

// ResolveTargets turns the targets section into publisher targets. A non-empty filter keeps only the
// named targets, matched case-insensitively by name or asset id, and rejects unknown names.
func (c *Config) ResolveTargets(filter []string) ([]publisher.Target, error) {
	wanted := make(map[string]bool, len(filter))
	for _, f := range filter {
		if f = strings.TrimSpace(f); f != "" {
			wanted[strings.ToLower(f)] = false
		}
	}

	out := make([]publisher.Target, 0, len(c.Targets))
	for _, tc := range c.Targets {
		ref := tc.AssetID
		if ref == "" {
			ref = tc.Name
		}
		id, err := ledger.ParseAssetID(ref)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", tc.Name, err)
		}

		if len(wanted) > 0 {
			matched := false
			for _, key := range []string{strings.ToLower(tc.Name), strings.ToLower(id.Hex())} {
				if _, ok := wanted[key]; ok {
					wanted[key] = true
					matched = true
				}
			}
			if !matched {
				continue
			}
		}

		stream := index.Stream(tc.Stream)
		if stream == "" {
			stream = index.StreamFull
		}
		decimals := tc.Decimals
		if decimals == 0 {
			decimals = c.Publisher.DefaultDecimals
		}
		out = append(out, publisher.Target{Name: tc.Name, AssetID: id, Decimals: decimals, Stream: stream})
	}

	for key, hit := range wanted {
		if !hit {
			return nil, fmt.Errorf("unknown asset %q", key)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no publication targets configured")
	}
	return out, nil
}
