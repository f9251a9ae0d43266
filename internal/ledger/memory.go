package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"gpu-price-oracle/internal/failure"
)

type pendingCommit struct {
	hash common.Hash
	at   time.Time
}

// Memory is an in-process oracle with the same acceptance rules as the contract: assets must be
// registered, a reveal must match the stored commit hash and respect the minimum delay, and a batch
// is applied all-or-nothing.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	minDelay   time.Duration
	registered map[AssetID]bool
	commits    map[AssetID]pendingCommit
	quotes     map[AssetID]Quote
	inject     []error
	block      uint64
	calls      int
}

// NewMemory registers the given assets with a zero minimum delay.
func NewMemory(assets ...AssetID) *Memory {
	m := &Memory{
		now:        time.Now,
		registered: make(map[AssetID]bool),
		commits:    make(map[AssetID]pendingCommit),
		quotes:     make(map[AssetID]Quote),
		block:      1000,
	}
	for _, a := range assets {
		m.registered[a] = true
	}
	return m
}

// SetClock replaces the time source used for delay checks and update timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetMinDelay sets the enforced commit-reveal window.
func (m *Memory) SetMinDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minDelay = d
}

// Register adds an asset slot.
func (m *Memory) Register(asset AssetID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[asset] = true
}

// FailNext queues errors returned by the next write calls, one per call, before any state change.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inject = append(m.inject, errs...)
}

// WriteCalls counts every write attempt, including failed ones.
func (m *Memory) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// HasPendingCommit reports whether a commit awaits its reveal.
func (m *Memory) HasPendingCommit(asset AssetID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.commits[asset]
	return ok
}

func (m *Memory) Read(ctx context.Context, asset AssetID) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[asset]
	if !ok {
		return Quote{Price: new(big.Int)}, nil
	}
	return Quote{Price: new(big.Int).Set(q.Price), LastUpdated: q.LastUpdated}, nil
}

func (m *Memory) MinRevealDelay(context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minDelay, nil
}

func (m *Memory) IsRegistered(_ context.Context, asset AssetID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered[asset], nil
}

func (m *Memory) WriteCommit(ctx context.Context, asset AssetID, hash common.Hash) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, err := m.begin(ctx, "commit")
	if err != nil {
		return ref, err
	}
	if !m.registered[asset] {
		return ref, revert("commit", ref, "asset not registered")
	}
	m.commits[asset] = pendingCommit{hash: hash, at: m.now()}
	return ref, nil
}

func (m *Memory) WriteReveal(ctx context.Context, asset AssetID, price, nonce *big.Int) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, err := m.begin(ctx, "reveal")
	if err != nil {
		return ref, err
	}
	pending, ok := m.commits[asset]
	if !ok {
		return ref, revert("reveal", ref, "no commitment")
	}
	if CommitHash(price, nonce) != pending.hash {
		return ref, revert("reveal", ref, "hash mismatch")
	}
	if m.now().Sub(pending.at) < m.minDelay {
		return ref, revert("reveal", ref, "reveal too early")
	}
	delete(m.commits, asset)
	m.quotes[asset] = Quote{Price: new(big.Int).Set(price), LastUpdated: m.now().UTC()}
	return ref, nil
}

func (m *Memory) WriteBatch(ctx context.Context, assets []AssetID, prices []*big.Int) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, err := m.begin(ctx, "batch")
	if err != nil {
		return ref, err
	}
	if len(assets) != len(prices) {
		return ref, revert("batch", ref, "length mismatch")
	}
	for _, a := range assets {
		if !m.registered[a] {
			return ref, revert("batch", ref, fmt.Sprintf("asset %s not registered", a.Hex()))
		}
	}
	at := m.now().UTC()
	for i, a := range assets {
		m.quotes[a] = Quote{Price: new(big.Int).Set(prices[i]), LastUpdated: at}
	}
	return ref, nil
}

// begin counts the call, applies injected failures and allocates a tx reference. Caller holds mu.
func (m *Memory) begin(ctx context.Context, op string) (TxRef, error) {
	m.calls++
	if err := ctx.Err(); err != nil {
		return TxRef{}, err
	}
	if len(m.inject) > 0 {
		err := m.inject[0]
		m.inject = m.inject[1:]
		if err != nil {
			return TxRef{}, err
		}
	}
	m.block++
	id := crypto.Keccak256Hash([]byte(op), new(big.Int).SetUint64(m.block).Bytes())
	return TxRef{ID: id.Hex(), Block: m.block}, nil
}

func revert(op string, ref TxRef, reason string) error {
	return &failure.TransactionError{Op: op, TxID: ref.ID, Reverted: true, Err: errors.New("execution reverted: " + reason)}
}

var (
	_ Oracle        = (*Memory)(nil)
	_ DelayReporter = (*Memory)(nil)
	_ Registry      = (*Memory)(nil)
)
