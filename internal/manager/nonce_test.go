package manager

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	mu       sync.Mutex
	pending  uint64
	reads    int
	lastCall ethereum.CallMsg
	nonce    int64
	err      error
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.pending, f.err
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = msg
	if f.err != nil {
		return nil, f.err
	}
	return common.LeftPadBytes(big.NewInt(f.nonce).Bytes(), 32), nil
}

var addr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestNextTxNonceIsSequential(t *testing.T) {
	chain := &fakeChain{pending: 5}
	m := NewNonceManager(chain, common.Address{})
	ctx := context.Background()

	var wg sync.WaitGroup
	seen := make(chan uint64, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := m.NextTxNonce(ctx, addr)
			require.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	got := map[uint64]bool{}
	for n := range seen {
		got[n] = true
	}
	assert.Len(t, got, 10)
	for n := uint64(5); n < 15; n++ {
		assert.True(t, got[n])
	}
	assert.Equal(t, 1, chain.reads)
}

func TestResetTxNonceRereadsChain(t *testing.T) {
	chain := &fakeChain{pending: 3}
	m := NewNonceManager(chain, common.Address{})
	ctx := context.Background()

	n, _ := m.NextTxNonce(ctx, addr)
	assert.Equal(t, uint64(3), n)
	m.ResetTxNonce(addr)
	chain.pending = 9
	n, _ = m.NextTxNonce(ctx, addr)
	assert.Equal(t, uint64(9), n)
	assert.Equal(t, 2, chain.reads)
}

func TestNextTxNonceError(t *testing.T) {
	m := NewNonceManager(&fakeChain{err: errors.New("rpc down")}, common.Address{})
	_, err := m.NextTxNonce(context.Background(), addr)
	assert.ErrorContains(t, err, "rpc down")
}

func TestExchangeNonceCallsContract(t *testing.T) {
	exchange := common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	chain := &fakeChain{nonce: 4}
	m := NewNonceManager(chain, exchange)

	n, err := m.ExchangeNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n.Int64())
	require.NotNil(t, chain.lastCall.To)
	assert.Equal(t, exchange, *chain.lastCall.To)
	assert.Len(t, chain.lastCall.Data, 36)
	assert.Equal(t, exchangeNoncesSelector, chain.lastCall.Data[:4])

	// cached until synced again
	chain.nonce = 5
	n, _ = m.ExchangeNonce(context.Background(), addr)
	assert.Equal(t, int64(4), n.Int64())
	n, _ = m.SyncExchangeNonce(context.Background(), addr)
	assert.Equal(t, int64(5), n.Int64())
}
