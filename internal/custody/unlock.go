package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrWrongPassword  = errors.New("custody: could not decrypt keystore")
	ErrWalletMismatch = errors.New("custody: keystore belongs to a different wallet")
)

// KeystoreSource returns the encrypted keystore (v3 JSON) for a wallet.
type KeystoreSource interface {
	GetKeystore(ctx context.Context, wallet string) ([]byte, error)
}

// Unlocker turns a password into a key in the Store. It is the only way keys
// enter custody.
type Unlocker struct {
	source KeystoreSource
	store  *Store
}

func NewUnlocker(source KeystoreSource, store *Store) *Unlocker {
	return &Unlocker{source: source, store: store}
}

func (u *Unlocker) Enable(ctx context.Context, wallet, password string) error {
	blob, err := u.source.GetKeystore(ctx, wallet)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	key, err := DecryptKeystore(blob, password, wallet)
	if err != nil {
		return err
	}
	u.store.Store(wallet, key)
	logger.Info("auto-trading enabled", "wallet", NormalizeWallet(wallet))
	return nil
}

func (u *Unlocker) Disable(wallet string) {
	u.store.Remove(wallet)
	logger.Info("auto-trading disabled", "wallet", NormalizeWallet(wallet))
}

// DecryptKeystore decrypts blob and checks it controls wallet.
func DecryptKeystore(blob []byte, password, wallet string) (Key, error) {
	k, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}
	if !strings.EqualFold(k.Address.Hex(), strings.TrimSpace(wallet)) {
		return Key{}, ErrWalletMismatch
	}
	raw := crypto.FromECDSA(k.PrivateKey)
	return NewKey(hex.EncodeToString(raw)), nil
}
