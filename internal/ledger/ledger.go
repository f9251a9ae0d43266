package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// AssetID is the 32-byte oracle slot key.
type AssetID [32]byte

// Hex renders the id with a 0x prefix.
func (a AssetID) Hex() string { return hexutil.Encode(a[:]) }

func (a AssetID) String() string { return a.Hex() }

// IsZero reports whether the id is unset.
func (a AssetID) IsZero() bool { return a == AssetID{} }

// AssetIDFromName derives an id as keccak256 of the asset name, matching how assets are registered on chain.
func AssetIDFromName(name string) AssetID {
	return AssetID(crypto.Keccak256Hash([]byte(name)))
}

// ParseAssetID accepts a 0x-prefixed 32-byte hex id or falls back to hashing the raw name.
func ParseAssetID(raw string) (AssetID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AssetID{}, errors.New("empty asset id")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		decoded, err := hexutil.Decode("0x" + raw[2:])
		if err != nil {
			return AssetID{}, fmt.Errorf("decode asset id %q: %w", raw, err)
		}
		if len(decoded) != 32 {
			return AssetID{}, fmt.Errorf("asset id %q must be 32 bytes, got %d", raw, len(decoded))
		}
		var id AssetID
		copy(id[:], decoded)
		return id, nil
	}
	return AssetIDFromName(raw), nil
}

// CommitHash is keccak256(abi.encodePacked(uint256 price, uint256 nonce)).
func CommitHash(price, nonce *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(price.Bytes(), 32),
		common.LeftPadBytes(nonce.Bytes(), 32),
	)
}

// Quote is the on-chain state of one asset slot.
type Quote struct {
	Price       *big.Int
	LastUpdated time.Time
}

// TxRef identifies a confirmed transaction.
type TxRef struct {
	ID    string
	Block uint64
}

// Oracle is the write/read surface of the price oracle contract. Every write returns only after the
// transaction is confirmed; a reverted transaction is reported as a *failure.TransactionError.
type Oracle interface {
	Read(ctx context.Context, asset AssetID) (Quote, error)
	WriteCommit(ctx context.Context, asset AssetID, hash common.Hash) (TxRef, error)
	WriteReveal(ctx context.Context, asset AssetID, price, nonce *big.Int) (TxRef, error)
	WriteBatch(ctx context.Context, assets []AssetID, prices []*big.Int) (TxRef, error)
}

// DelayReporter is implemented by oracles that expose the contract's minimum commit-reveal window.
type DelayReporter interface {
	MinRevealDelay(ctx context.Context) (time.Duration, error)
}

// Registry is implemented by oracles that can tell whether an asset slot exists.
type Registry interface {
	IsRegistered(ctx context.Context, asset AssetID) (bool, error)
}

// FeeBid holds EIP-1559 fee caps for one transaction.
type FeeBid struct {
	MaxFee      *big.Int
	PriorityFee *big.Int
}

// EstimateFee derives a bid from the latest base fee: tip is the priority floor and the
// cap is max(2*base, 2*tip). A nil base fee (pre-London chain) yields a cap of 2*tip.
func EstimateFee(baseFee, priorityFloor *big.Int) FeeBid {
	tip := new(big.Int)
	if priorityFloor != nil {
		tip.Set(priorityFloor)
	}
	maxFee := new(big.Int).Mul(tip, big.NewInt(2))
	if baseFee != nil {
		doubled := new(big.Int).Mul(baseFee, big.NewInt(2))
		if doubled.Cmp(maxFee) > 0 {
			maxFee = doubled
		}
	}
	return FeeBid{MaxFee: maxFee, PriorityFee: tip}
}

// GweiToWei converts a gwei float to wei, truncating below one wei.
func GweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	wei, _ := f.Int(nil)
	return wei
}
