package exchange

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const ctfMergeABI = `[
	{
		"inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "partition", "type": "uint256[]"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "mergePositions",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// USDC and outcome tokens both use 6 decimals.
const collateralDecimals = 6

var (
	ErrReceiptTimeout = errors.New("exchange: merge receipt not seen before timeout")
	ErrTxReverted     = errors.New("exchange: merge transaction reverted")
	ErrBadCondition   = errors.New("exchange: condition id must be 32 bytes hex")
)

// ChainClient is the part of ethclient.Client the merger uses.
type ChainClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

type TxNonces interface {
	NextTxNonce(ctx context.Context, addr common.Address) (uint64, error)
	ResetTxNonce(addr common.Address)
}

// CTFMerger merges a full YES+NO set back into collateral on the
// conditional tokens contract.
type CTFMerger struct {
	chain        ChainClient
	nonces       TxNonces
	abi          abi.ABI
	ctf          common.Address
	collateral   common.Address
	chainID      *big.Int
	gasLimit     uint64
	timeout      time.Duration
	pollInterval time.Duration
}

func NewCTFMerger(cfg config.ChainConfig, chain ChainClient, nonces TxNonces) (*CTFMerger, error) {
	parsed, err := abi.JSON(strings.NewReader(ctfMergeABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	if !common.IsHexAddress(cfg.CTFAddress) || !common.IsHexAddress(cfg.CollateralAddress) {
		return nil, fmt.Errorf("ctf and collateral addresses are required")
	}
	return &CTFMerger{
		chain:        chain,
		nonces:       nonces,
		abi:          parsed,
		ctf:          common.HexToAddress(cfg.CTFAddress),
		collateral:   common.HexToAddress(cfg.CollateralAddress),
		chainID:      big.NewInt(cfg.ChainID),
		gasLimit:     cfg.GasLimit,
		timeout:      cfg.ReceiptTimeout(),
		pollInterval: 2 * time.Second,
	}, nil
}

// Merge sends mergePositions for amount shares and waits for the receipt.
// It returns the transaction hash.
func (m *CTFMerger) Merge(ctx context.Context, key custody.Key, conditionID string, amount decimal.Decimal) (string, error) {
	condition, err := parseConditionID(conditionID)
	if err != nil {
		return "", err
	}
	units := amount.Shift(collateralDecimals).Truncate(0)
	if !units.IsPositive() {
		return "", fmt.Errorf("merge amount must be positive, got %s", amount)
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(key.Reveal(), "0x"))
	if err != nil {
		return "", fmt.Errorf("merge: invalid custody key")
	}

	data, err := m.abi.Pack("mergePositions",
		m.collateral,
		common.Hash{},
		condition,
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		units.BigInt(),
	)
	if err != nil {
		return "", fmt.Errorf("pack mergePositions: %w", err)
	}

	tx, err := m.buildTx(ctx, pk, data)
	if err != nil {
		return "", err
	}
	from := crypto.PubkeyToAddress(pk.PublicKey)
	if err := m.chain.SendTransaction(ctx, tx); err != nil {
		m.nonces.ResetTxNonce(from)
		return "", apperrors.NewExchangeError("merge", err)
	}
	logger.Info("merge tx sent", "tx", tx.Hash().Hex(), "condition_id", conditionID, "amount", amount.String())

	if err := m.waitReceipt(ctx, tx.Hash()); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (m *CTFMerger) buildTx(ctx context.Context, pk *ecdsa.PrivateKey, data []byte) (*ethtypes.Transaction, error) {
	from := crypto.PubkeyToAddress(pk.PublicKey)

	gasPrice, err := m.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperrors.NewExchangeError("merge", fmt.Errorf("suggest gas price: %w", err))
	}
	gas := m.gasLimit
	if gas == 0 {
		gas, err = m.chain.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &m.ctf, Data: data, Value: big.NewInt(0)})
		if err != nil {
			return nil, apperrors.NewExchangeError("merge", fmt.Errorf("estimate gas: %w", err))
		}
	}
	nonce, err := m.nonces.NextTxNonce(ctx, from)
	if err != nil {
		return nil, apperrors.NewExchangeError("merge", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &m.ctf,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(m.chainID), pk)
	if err != nil {
		m.nonces.ResetTxNonce(from)
		return nil, fmt.Errorf("sign merge tx: %w", err)
	}
	return signed, nil
}

// waitReceipt polls until the tx is mined. Timeouts are not retryable, the
// tx may still land.
func (m *CTFMerger) waitReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := m.chain.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return &apperrors.ExchangeError{Kind: apperrors.KindUnknown, Op: "merge", Err: fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())}
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			logger.Warn("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return &apperrors.ExchangeError{Kind: apperrors.KindUnknown, Op: "merge", Err: fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())}
		case <-ticker.C:
		}
	}
}

func parseConditionID(id string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(id), "0x")
	if len(raw) != 64 {
		return common.Hash{}, ErrBadCondition
	}
	for _, r := range raw {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return common.Hash{}, ErrBadCondition
		}
	}
	return common.HexToHash(raw), nil
}
