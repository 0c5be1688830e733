package manager

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// nonces(address) on the CTF exchange
var exchangeNoncesSelector = []byte{0x7e, 0xce, 0xbe, 0x00}

// ChainReader is the subset of ethclient.Client the manager needs.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NonceManager tracks transaction nonces (merge txs) and exchange order
// nonces per wallet.
type NonceManager struct {
	chain    ChainReader
	exchange common.Address

	// 交易 nonce, optimistic
	txNonces map[common.Address]uint64
	txMu     sync.Mutex

	exchangeNonces map[common.Address]*big.Int
	exchangeMu     sync.RWMutex
}

func NewNonceManager(chain ChainReader, exchange common.Address) *NonceManager {
	return &NonceManager{
		chain:          chain,
		exchange:       exchange,
		txNonces:       make(map[common.Address]uint64),
		exchangeNonces: make(map[common.Address]*big.Int),
	}
}

// NextTxNonce reserves the next transaction nonce for addr. The first call
// per address reads the pending nonce from chain.
func (m *NonceManager) NextTxNonce(ctx context.Context, addr common.Address) (uint64, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	nonce, ok := m.txNonces[addr]
	if !ok {
		fetched, err := m.chain.PendingNonceAt(ctx, addr)
		if err != nil {
			return 0, fmt.Errorf("fetch pending nonce: %w", err)
		}
		nonce = fetched
	}
	m.txNonces[addr] = nonce + 1
	return nonce, nil
}

// ResetTxNonce drops the cached value so the next reservation re-reads the
// chain. Call it after a send failed.
func (m *NonceManager) ResetTxNonce(addr common.Address) {
	m.txMu.Lock()
	delete(m.txNonces, addr)
	m.txMu.Unlock()
	logger.Debug("tx nonce reset", "address", addr.Hex())
}

// ExchangeNonce returns the order nonce the exchange expects for addr.
func (m *NonceManager) ExchangeNonce(ctx context.Context, addr common.Address) (*big.Int, error) {
	m.exchangeMu.RLock()
	cached, ok := m.exchangeNonces[addr]
	m.exchangeMu.RUnlock()
	if ok {
		return new(big.Int).Set(cached), nil
	}
	return m.SyncExchangeNonce(ctx, addr)
}

// SyncExchangeNonce reads nonces(addr) from the exchange contract.
func (m *NonceManager) SyncExchangeNonce(ctx context.Context, addr common.Address) (*big.Int, error) {
	data := append(append([]byte{}, exchangeNoncesSelector...), common.LeftPadBytes(addr.Bytes(), 32)...)
	to := m.exchange
	res, err := m.chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("read exchange nonce: %w", err)
	}
	val := new(big.Int).SetBytes(res)

	m.exchangeMu.Lock()
	m.exchangeNonces[addr] = val
	m.exchangeMu.Unlock()
	return new(big.Int).Set(val), nil
}

func (m *NonceManager) Forget(addr common.Address) {
	m.txMu.Lock()
	delete(m.txNonces, addr)
	m.txMu.Unlock()
	m.exchangeMu.Lock()
	delete(m.exchangeNonces, addr)
	m.exchangeMu.Unlock()
}
