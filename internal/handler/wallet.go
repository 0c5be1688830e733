package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type WalletRepo interface {
	GetWallet(ctx context.Context, address string) (*model.Wallet, error)
	SaveWallet(ctx context.Context, w *model.Wallet) error
	SetAutoTrading(ctx context.Context, address string, enabled bool) error
	ListWallets(ctx context.Context) ([]model.Wallet, error)
}

type KeyUnlocker interface {
	Enable(ctx context.Context, wallet, password string) error
	Disable(wallet string)
}

type KeyHolder interface {
	Has(wallet string) bool
}

// FillWatcher follows the user channel of wallets that trade.
type FillWatcher interface {
	Watch(wallet string, creds model.L2Creds)
	Unwatch(wallet string)
}

type WalletHandler struct {
	wallets  WalletRepo
	unlocker KeyUnlocker
	keys     KeyHolder
	watcher  FillWatcher
}

func NewWalletHandler(wallets WalletRepo, unlocker KeyUnlocker, keys KeyHolder, watcher FillWatcher) *WalletHandler {
	return &WalletHandler{wallets: wallets, unlocker: unlocker, keys: keys, watcher: watcher}
}

type walletView struct {
	model.Wallet
	KeyLoaded bool `json:"key_loaded"`
}

type registerWalletRequest struct {
	Keystore      string `json:"keystore" binding:"required"`
	ProxyAddress  string `json:"proxy_address"`
	SignatureType int    `json:"signature_type"`
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	APIPassphrase string `json:"api_passphrase"`
}

func walletParam(c *gin.Context) (string, bool) {
	addr := strings.TrimSpace(c.Param("address"))
	if !common.IsHexAddress(addr) {
		_ = c.Error(apperrors.NewInvalidRequest("address must be a hex wallet address"))
		return "", false
	}
	return custody.NormalizeWallet(addr), true
}

// Register stores (or replaces) a wallet's encrypted keystore and CLOB creds.
func (h *WalletHandler) Register(c *gin.Context) {
	addr, ok := walletParam(c)
	if !ok {
		return
	}
	var req registerWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.SignatureType < 0 || req.SignatureType > 2 {
		_ = c.Error(apperrors.NewInvalidRequest("signature_type must be 0, 1 or 2"))
		return
	}
	w := &model.Wallet{
		Address:       addr,
		Keystore:      []byte(req.Keystore),
		ProxyAddress:  req.ProxyAddress,
		SignatureType: req.SignatureType,
		APIKey:        req.APIKey,
		APISecret:     req.APISecret,
		APIPassphrase: req.APIPassphrase,
	}
	if err := h.wallets.SaveWallet(c.Request.Context(), w); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, walletView{Wallet: *w, KeyLoaded: h.keys.Has(addr)})
}

func (h *WalletHandler) List(c *gin.Context) {
	wallets, err := h.wallets.ListWallets(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]walletView, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, walletView{Wallet: w, KeyLoaded: h.keys.Has(w.Address)})
	}
	c.JSON(http.StatusOK, gin.H{"wallets": out})
}

// EnableAutoTrading decrypts the wallet keystore into custody.
func (h *WalletHandler) EnableAutoTrading(c *gin.Context) {
	addr, ok := walletParam(c)
	if !ok {
		return
	}
	var req model.EnableAutoTradingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest("password is required"))
		return
	}

	ctx := c.Request.Context()
	if err := h.unlocker.Enable(ctx, addr, req.Password); err != nil {
		fail(c, err)
		return
	}
	if err := h.wallets.SetAutoTrading(ctx, addr, true); err != nil {
		h.unlocker.Disable(addr)
		fail(c, err)
		return
	}
	if h.watcher != nil {
		if w, err := h.wallets.GetWallet(ctx, addr); err == nil {
			h.watcher.Watch(addr, w.Creds())
		}
	}
	c.JSON(http.StatusOK, gin.H{"wallet": addr, "auto_trading": true})
}

func (h *WalletHandler) DisableAutoTrading(c *gin.Context) {
	addr, ok := walletParam(c)
	if !ok {
		return
	}
	h.unlocker.Disable(addr)
	if h.watcher != nil {
		h.watcher.Unwatch(addr)
	}
	if err := h.wallets.SetAutoTrading(c.Request.Context(), addr, false); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": addr, "auto_trading": false})
}
