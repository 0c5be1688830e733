package handler

import (
	"net/http"
	"time"

	"github.com/GoPolymarket/polyexec/internal/hub"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

type Utilizer interface {
	Utilization() map[ratelimit.Class]float64
}

type Publisher interface {
	Publish(t hub.Type, payload any) hub.Envelope
}

type StatusHandler struct {
	limiter Utilizer
	hub     Publisher
}

func NewStatusHandler(limiter Utilizer, pub Publisher) *StatusHandler {
	return &StatusHandler{limiter: limiter, hub: pub}
}

// RateLimit reports how much of each exchange bucket is in use.
func (h *StatusHandler) RateLimit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"utilization": h.limiter.Utilization()})
}

// PublishOpportunities pushes a scored market list from the strategy layer
// out to observers.
func (h *StatusHandler) PublishOpportunities(c *gin.Context) {
	var opps []model.Opportunity
	if err := c.ShouldBindJSON(&opps); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest("body must be a list of opportunities"))
		return
	}
	now := time.Now().UTC()
	for i := range opps {
		if opps[i].At.IsZero() {
			opps[i].At = now
		}
	}
	env := h.hub.Publish(hub.TypeOpportunities, opps)
	c.JSON(http.StatusAccepted, gin.H{"seq": env.Seq, "count": len(opps)})
}
