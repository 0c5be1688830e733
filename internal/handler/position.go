package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PositionRepo interface {
	GetPositions(ctx context.Context, wallet string) ([]model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	ClosePosition(ctx context.Context, id string) error
}

// SignalReleaser lets a closed or re-opened position be signalled again.
type SignalReleaser interface {
	Release(positionID string)
}

type PositionHandler struct {
	positions PositionRepo
	monitor   SignalReleaser
}

func NewPositionHandler(positions PositionRepo, monitor SignalReleaser) *PositionHandler {
	return &PositionHandler{positions: positions, monitor: monitor}
}

type positionRequest struct {
	ID         string          `json:"id"`
	Wallet     string          `json:"wallet" binding:"required"`
	TokenID    string          `json:"token_id" binding:"required"`
	Side       model.Side      `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
	OpenedAt   *time.Time      `json:"opened_at"`
}

func (h *PositionHandler) List(c *gin.Context) {
	addr, ok := walletParam(c)
	if !ok {
		return
	}
	positions, err := h.positions.GetPositions(c.Request.Context(), addr)
	if err != nil {
		fail(c, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// Upsert registers an open position for the exit monitor.
func (h *PositionHandler) Upsert(c *gin.Context) {
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.Side == "" {
		req.Side = model.SideBuy
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		_ = c.Error(apperrors.NewInvalidRequest("side must be BUY or SELL"))
		return
	}
	if !req.EntryPrice.IsPositive() || !req.Size.IsPositive() {
		_ = c.Error(apperrors.NewInvalidRequest("entry_price and size must be positive"))
		return
	}

	pos := &model.Position{
		ID:         req.ID,
		Wallet:     custody.NormalizeWallet(req.Wallet),
		TokenID:    req.TokenID,
		Side:       req.Side,
		EntryPrice: req.EntryPrice,
		Size:       req.Size,
		OpenedAt:   time.Now().UTC(),
		Status:     model.PositionOpen,
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if req.OpenedAt != nil {
		pos.OpenedAt = req.OpenedAt.UTC()
	}
	if err := h.positions.UpsertPosition(c.Request.Context(), pos); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// Close marks a position closed, typically after its sell signal executed.
func (h *PositionHandler) Close(c *gin.Context) {
	id := c.Param("id")
	if err := h.positions.ClosePosition(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	if h.monitor != nil {
		h.monitor.Release(id)
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": model.PositionClosed})
}
