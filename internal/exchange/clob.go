package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/GoPolymarket/polyexec/internal/signer"
	"github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	sdktypes "github.com/GoPolymarket/polymarket-go-sdk/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

var ErrNoCredentials = errors.New("exchange: wallet has no CLOB credentials")

// WalletSource resolves the stored profile (L2 creds, signature type) of a
// trading wallet.
type WalletSource interface {
	GetWallet(ctx context.Context, address string) (*model.Wallet, error)
}

// ExchangeNonces supplies the order nonce the exchange contract expects.
type ExchangeNonces interface {
	ExchangeNonce(ctx context.Context, addr common.Address) (*big.Int, error)
	SyncExchangeNonce(ctx context.Context, addr common.Address) (*big.Int, error)
}

// CLOB places and cancels limit orders on behalf of custodied wallets.
type CLOB struct {
	cfg        *config.Config
	wallets    WalletSource
	nonces     ExchangeNonces
	httpClient *http.Client
	chainID    int64
}

func NewCLOB(cfg *config.Config, wallets WalletSource, nonces ExchangeNonces) *CLOB {
	chainID := cfg.Chain.ChainID
	if chainID == 0 {
		chainID = auth.PolygonChainID
	}
	return &CLOB{
		cfg:     cfg,
		wallets: wallets,
		nonces:  nonces,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 10 * time.Second,
		},
		chainID: chainID,
	}
}

func (c *CLOB) newClient(s auth.Signer, apiKey *auth.APIKey) *polymarket.Client {
	opts := []polymarket.Option{
		polymarket.WithUseServerTime(true),
		polymarket.WithHTTPClient(c.httpClient),
		polymarket.WithUserAgent("polyexec"),
	}
	if c.cfg.Polymarket.CLOBURL != "" {
		opts = append(opts, withCLOBURL(c.cfg.Polymarket.CLOBURL))
	}
	if c.cfg.Builder.ApiKey != "" {
		opts = append(opts, polymarket.WithBuilderAttribution(
			c.cfg.Builder.ApiKey,
			c.cfg.Builder.ApiSecret,
			c.cfg.Builder.ApiPassphrase,
		))
	}
	client := polymarket.NewClient(opts...)
	if s != nil && apiKey != nil {
		client = client.WithAuth(s, apiKey)
	}
	return client
}

func withCLOBURL(url string) polymarket.Option {
	return func(c *polymarket.Client) {
		c.Config.BaseURLs.CLOB = strings.TrimRight(url, "/")
	}
}

type session struct {
	client *polymarket.Client
	sdk    auth.Signer
	fast   *signer.Signer
	apiKey *auth.APIKey
	wallet *model.Wallet
}

func (c *CLOB) open(ctx context.Context, op string, key custody.Key, wallet string) (*session, error) {
	w, err := c.wallets.GetWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("%s: load wallet: %w", op, err)
	}
	creds := w.Creds()
	if creds.Empty() {
		return nil, fmt.Errorf("%s %s: %w", op, custody.NormalizeWallet(wallet), ErrNoCredentials)
	}

	sdkSigner, err := auth.NewPrivateKeySigner(key.Reveal(), c.chainID)
	if err != nil {
		return nil, fmt.Errorf("%s: signer init failed", op)
	}
	fast, err := signer.NewSigner(key.Reveal(), c.chainID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	apiKey := &auth.APIKey{Key: creds.APIKey, Secret: creds.APISecret, Passphrase: creds.APIPassphrase}
	return &session{
		client: c.newClient(sdkSigner, apiKey),
		sdk:    sdkSigner,
		fast:   fast,
		apiKey: apiKey,
		wallet: w,
	}, nil
}

// PlaceOrder rests a GTC limit order and returns the exchange order id.
func (c *CLOB) PlaceOrder(ctx context.Context, key custody.Key, wallet string, order model.LimitOrder) (string, error) {
	s, err := c.open(ctx, "place_order", key, wallet)
	if err != nil {
		return "", err
	}

	builder := clob.NewOrderBuilder(s.client.CLOB, s.sdk).
		TokenID(order.TokenID).
		PriceDec(order.Price).
		SizeDec(order.Size).
		Side(string(order.Side)).
		OrderType(clobtypes.OrderTypeGTC)
	if s.wallet.SignatureType != 0 && s.wallet.ProxyAddress != "" {
		builder.Maker(common.HexToAddress(s.wallet.ProxyAddress))
	}
	signable, err := builder.BuildSignableWithContext(ctx)
	if err != nil {
		return "", apperrors.NewExchangeError("place_order", err)
	}
	if s.wallet.SignatureType != 0 {
		sigType := s.wallet.SignatureType
		signable.Order.SignatureType = &sigType
	}

	if c.nonces != nil {
		if n, err := c.nonces.ExchangeNonce(ctx, signable.Order.Maker); err == nil {
			signable.Order.Nonce = sdktypes.U256{Int: n}
		} else {
			logger.Warn("exchange nonce unavailable, using builder default", "error", err)
		}
	}

	signature, err := s.fast.SignOrder(signer.FromSDKOrder(signable.Order))
	if err != nil {
		return "", fmt.Errorf("place_order: sign: %w", err)
	}

	resp, err := s.client.CLOB.PostOrder(ctx, &clobtypes.SignedOrder{
		Order:     *signable.Order,
		Signature: signature,
		Owner:     s.apiKey.Key,
		OrderType: signable.OrderType,
		PostOnly:  signable.PostOnly,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nonce") && c.nonces != nil {
			logger.Warn("nonce rejected, re-syncing", "maker", signable.Order.Maker.Hex())
			_, _ = c.nonces.SyncExchangeNonce(ctx, signable.Order.Maker)
		}
		return "", apperrors.NewExchangeError("place_order", err)
	}
	if resp.ID == "" {
		return "", apperrors.NewExchangeError("place_order", fmt.Errorf("order rejected: status %q", resp.Status))
	}
	return resp.ID, nil
}

func (c *CLOB) CancelOrder(ctx context.Context, key custody.Key, wallet, orderID string) error {
	s, err := c.open(ctx, "cancel_order", key, wallet)
	if err != nil {
		return err
	}
	if _, err := s.client.CLOB.CancelOrder(ctx, &clobtypes.CancelOrderRequest{OrderID: orderID}); err != nil {
		return apperrors.NewExchangeError("cancel_order", err)
	}
	return nil
}
