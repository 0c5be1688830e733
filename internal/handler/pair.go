package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

type PairPlacer interface {
	PlacePair(ctx context.Context, wallet, conditionID string, market model.MarketInfo, size string) (*model.Pair, error)
}

type PairReader interface {
	GetPair(ctx context.Context, id string) (*model.Pair, error)
	ListPairs(ctx context.Context, statuses ...model.PairStatus) ([]model.Pair, error)
}

type PairHandler struct {
	placer PairPlacer
	pairs  PairReader
}

func NewPairHandler(placer PairPlacer, pairs PairReader) *PairHandler {
	return &PairHandler{placer: placer, pairs: pairs}
}

// List returns pairs, optionally filtered by ?status=a,b and ?wallet=.
func (h *PairHandler) List(c *gin.Context) {
	var statuses []model.PairStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := model.PairStatus(strings.TrimSpace(s))
			if !st.Valid() {
				_ = c.Error(apperrors.NewInvalidRequest("unknown status " + string(st)))
				return
			}
			statuses = append(statuses, st)
		}
	}
	pairs, err := h.pairs.ListPairs(c.Request.Context(), statuses...)
	if err != nil {
		fail(c, err)
		return
	}
	if wallet := c.Query("wallet"); wallet != "" {
		wallet = custody.NormalizeWallet(wallet)
		filtered := pairs[:0]
		for _, p := range pairs {
			if p.Wallet == wallet {
				filtered = append(filtered, p)
			}
		}
		pairs = filtered
	}
	if pairs == nil {
		pairs = []model.Pair{}
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs})
}

func (h *PairHandler) Get(c *gin.Context) {
	pair, err := h.pairs.GetPair(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Place rests a YES and a NO buy for the same size.
func (h *PairHandler) Place(c *gin.Context) {
	var req model.PlacePairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	pair, err := h.placer.PlacePair(c.Request.Context(), req.Wallet, req.ConditionID, req.Market, req.Size)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, pair)
}
