package custody

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
)

var ErrNotSerializable = errors.New("custody: signing keys cannot be serialized")

const redacted = "[REDACTED]"

// Key is a decrypted signing key. It only leaves the process through Reveal;
// printing, logging or marshalling it yields a placeholder or an error.
type Key struct {
	hex string
}

func NewKey(hexKey string) Key {
	return Key{hex: strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")}
}

// Reveal returns the hex encoded private key for a signer.
func (k Key) Reveal() string { return k.hex }

func (k Key) IsZero() bool { return k.hex == "" }

func (k Key) String() string   { return redacted }
func (k Key) GoString() string { return redacted }

func (k Key) LogValue() slog.Value { return slog.StringValue(redacted) }

func (k Key) MarshalJSON() ([]byte, error) { return nil, ErrNotSerializable }
func (k Key) MarshalText() ([]byte, error) { return nil, ErrNotSerializable }

// NormalizeWallet is the lookup form of a wallet address.
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// Store maps wallets with auto-trading enabled to their signing key. It lives
// only in memory; Clear must run on every shutdown path.
type Store struct {
	mu   sync.RWMutex
	keys map[string]Key
}

func NewStore() *Store {
	return &Store{keys: make(map[string]Key)}
}

func (s *Store) Store(wallet string, key Key) {
	if key.IsZero() {
		return
	}
	s.mu.Lock()
	s.keys[NormalizeWallet(wallet)] = key
	n := len(s.keys)
	s.mu.Unlock()
	metrics.CustodyKeys.Set(float64(n))
}

func (s *Store) Get(wallet string) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[NormalizeWallet(wallet)]
	return k, ok
}

func (s *Store) Has(wallet string) bool {
	_, ok := s.Get(wallet)
	return ok
}

func (s *Store) Remove(wallet string) {
	s.mu.Lock()
	delete(s.keys, NormalizeWallet(wallet))
	n := len(s.keys)
	s.mu.Unlock()
	metrics.CustodyKeys.Set(float64(n))
}

func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.keys)
	s.mu.Unlock()
	metrics.CustodyKeys.Set(0)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Wallets lists the normalized wallets currently holding a key.
func (s *Store) Wallets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.keys))
	for w := range s.keys {
		out = append(out, w)
	}
	return out
}

func (s *Store) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("wallets", s.Len()))
}
