package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"gpu-price-oracle/internal/failure"
)

const (
	oracleABIJSON = `[
{"inputs":[{"internalType":"bytes32","name":"_assetId","type":"bytes32"},{"internalType":"bytes32","name":"_commitHash","type":"bytes32"}],"name":"commitPrice","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"_assetId","type":"bytes32"},{"internalType":"uint256","name":"_price","type":"uint256"},{"internalType":"uint256","name":"_nonce","type":"uint256"}],"name":"updatePrices","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32[]","name":"assetIds","type":"bytes32[]"},{"internalType":"uint256[]","name":"newPrices","type":"uint256[]"}],"name":"batchUpdatePrices","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"_assetId","type":"bytes32"}],"name":"getPrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"name":"lastUpdated","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"assetId","type":"bytes32"}],"name":"isAssetRegistered","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"minCommitRevealDelay","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`
)

var (
	oracleABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed
}

// EthereumOptions parameterise the on-chain oracle client.
type EthereumOptions struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	RequestTimeout  time.Duration
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	PriorityFeeGwei float64
	GasLimit        uint64
}

// Ethereum talks to the oracle contract over JSON-RPC. Reads work without a key; writes need one.
type Ethereum struct {
	opts     EthereumOptions
	logger   zerolog.Logger
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address

	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEthereum validates options and builds a lazily connected oracle client.
func NewEthereum(opts EthereumOptions, logger zerolog.Logger) (*Ethereum, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid oracle contract address %q", opts.ContractAddress)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 3 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	e := &Ethereum{
		opts:     opts,
		logger:   logger.With().Str("component", "ledger_ethereum").Logger(),
		contract: common.HexToAddress(opts.ContractAddress),
	}

	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			return nil, errors.New("invalid signing key")
		}
		e.key = key
		e.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return e, nil
}

// Signer returns the writer address, or the zero address when no key is loaded.
func (e *Ethereum) Signer() common.Address { return e.from }

// Close drops the RPC connection.
func (e *Ethereum) Close() {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

// CheckChain verifies the endpoint serves the configured chain.
func (e *Ethereum) CheckChain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return err
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return classify("chain_id", "", err)
	}
	if e.opts.ChainID != 0 && id.Int64() != e.opts.ChainID {
		return fmt.Errorf("rpc endpoint serves chain %s, expected %d", id, e.opts.ChainID)
	}
	return nil
}

// Read returns the stored price and its update time. Contracts without lastUpdated yield a zero time.
func (e *Ethereum) Read(ctx context.Context, asset AssetID) (Quote, error) {
	out, err := e.call(ctx, "getPrice", [32]byte(asset))
	if err != nil {
		return Quote{}, err
	}
	price, err := unpackUint(out)
	if err != nil {
		return Quote{}, err
	}

	quote := Quote{Price: price}
	if out, err := e.call(ctx, "lastUpdated", [32]byte(asset)); err == nil {
		if ts, err := unpackUint(out); err == nil && ts.Sign() > 0 {
			quote.LastUpdated = time.Unix(ts.Int64(), 0).UTC()
		}
	} else {
		e.logger.Debug().Err(err).Str("asset_id", asset.Hex()).Msg("lastUpdated unavailable")
	}
	return quote, nil
}

// MinRevealDelay reads minCommitRevealDelay (seconds).
func (e *Ethereum) MinRevealDelay(ctx context.Context) (time.Duration, error) {
	out, err := e.call(ctx, "minCommitRevealDelay")
	if err != nil {
		return 0, err
	}
	secs, err := unpackUint(out)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

// IsRegistered reads isAssetRegistered.
func (e *Ethereum) IsRegistered(ctx context.Context, asset AssetID) (bool, error) {
	out, err := e.call(ctx, "isAssetRegistered", [32]byte(asset))
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, errors.New("unexpected isAssetRegistered response")
	}
	ok, valid := out[0].(bool)
	if !valid {
		return false, errors.New("failed to decode isAssetRegistered output")
	}
	return ok, nil
}

func (e *Ethereum) WriteCommit(ctx context.Context, asset AssetID, hash common.Hash) (TxRef, error) {
	return e.transact(ctx, "commit", "commitPrice", [32]byte(asset), [32]byte(hash))
}

func (e *Ethereum) WriteReveal(ctx context.Context, asset AssetID, price, nonce *big.Int) (TxRef, error) {
	return e.transact(ctx, "reveal", "updatePrices", [32]byte(asset), price, nonce)
}

func (e *Ethereum) WriteBatch(ctx context.Context, assets []AssetID, prices []*big.Int) (TxRef, error) {
	if len(assets) != len(prices) {
		return TxRef{}, fmt.Errorf("batch length mismatch: %d assets, %d prices", len(assets), len(prices))
	}
	ids := make([][32]byte, len(assets))
	for i, a := range assets {
		ids[i] = [32]byte(a)
	}
	return e.transact(ctx, "batch", "batchUpdatePrices", ids, prices)
}

func (e *Ethereum) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := oracleABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: payload}, nil)
	if err != nil {
		return nil, classify(method, "", err)
	}
	return oracleABI.Unpack(method, res)
}

func (e *Ethereum) transact(ctx context.Context, op, method string, args ...interface{}) (TxRef, error) {
	if e.key == nil {
		return TxRef{}, errors.New("signing key not configured; ledger writes disabled")
	}

	data, err := oracleABI.Pack(method, args...)
	if err != nil {
		return TxRef{}, fmt.Errorf("pack %s: %w", method, err)
	}

	signed, err := e.buildSigned(ctx, op, data)
	if err != nil {
		return TxRef{}, err
	}

	client, err := e.getClient(ctx)
	if err != nil {
		return TxRef{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	err = client.SendTransaction(sendCtx, signed)
	cancel()
	if err != nil {
		return TxRef{}, classify(op, signed.Hash().Hex(), err)
	}

	e.logger.Info().Str("op", op).Str("tx", signed.Hash().Hex()).Uint64("nonce", signed.Nonce()).Msg("transaction submitted")

	receipt, err := e.waitReceipt(ctx, client, op, signed.Hash())
	if err != nil {
		return TxRef{ID: signed.Hash().Hex()}, err
	}

	ref := TxRef{ID: signed.Hash().Hex()}
	if receipt.BlockNumber != nil {
		ref.Block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ref, &failure.TransactionError{Op: op, TxID: ref.ID, Reverted: true, Err: errors.New("receipt status 0")}
	}

	e.logger.Info().Str("op", op).Str("tx", ref.ID).Uint64("block", ref.Block).Uint64("gas_used", receipt.GasUsed).Msg("transaction confirmed")
	return ref, nil
}

func (e *Ethereum) buildSigned(ctx context.Context, op string, data []byte) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, classify(op, "", err)
	}

	// Recomputed per transaction: the base fee can move within one commit-reveal window.
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(op, "", err)
	}
	bid := EstimateFee(head.BaseFee, GweiToWei(e.opts.PriorityFeeGwei))

	estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:      e.from,
		To:        &e.contract,
		GasFeeCap: bid.MaxFee,
		GasTipCap: bid.PriorityFee,
		Data:      data,
	})
	if err != nil {
		return nil, classify(op, "", err)
	}
	gas := estimated + estimated/5
	if e.opts.GasLimit > gas {
		gas = e.opts.GasLimit
	}

	chainID := big.NewInt(e.opts.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: bid.PriorityFee,
		GasFeeCap: bid.MaxFee,
		Gas:       gas,
		To:        &e.contract,
		Value:     big.NewInt(0),
		Data:      data,
	})

	e.logger.Debug().Str("op", op).
		Str("max_fee", bid.MaxFee.String()).
		Str("priority_fee", bid.PriorityFee.String()).
		Uint64("gas", gas).
		Msg("fee bid computed")

	return types.SignTx(tx, types.LatestSignerForChainID(chainID), e.key)
}

func (e *Ethereum) waitReceipt(ctx context.Context, client *ethclient.Client, op string, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed")
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s %s: %w", op, hash.Hex(), ctx.Err())
			}
			return nil, &failure.TransactionError{Op: op, TxID: hash.Hex(), Timeout: true, Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

func (e *Ethereum) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, &failure.ConnectionError{Op: "dial", Err: err}
	}
	e.client = client
	return client, nil
}

func unpackUint(out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, errors.New("unexpected uint256 response")
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode uint256 output")
	}
	return v, nil
}

// classify maps RPC errors onto the failure taxonomy. Reverts surface from EstimateGas and eth_call.
func classify(op, txID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert"):
		return &failure.TransactionError{Op: op, TxID: txID, Reverted: true, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &failure.TransactionError{Op: op, TxID: txID, Timeout: true, Err: err}
	default:
		return &failure.ConnectionError{Op: op, Err: err}
	}
}

var (
	_ Oracle        = (*Ethereum)(nil)
	_ DelayReporter = (*Ethereum)(nil)
	_ Registry      = (*Ethereum)(nil)
)
