package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rewards-miniapp/internal/ads"
	"rewards-miniapp/internal/ledger"
	"rewards-miniapp/internal/ocr"
)

// Ledger is the set of reward actions exposed over HTTP.
type Ledger interface {
	CompleteAd(ctx context.Context) (ledger.Receipt, error)
	Stake(ctx context.Context, amount float64) (ledger.Receipt, error)
	Unstake(ctx context.Context, amount float64) (ledger.Receipt, error)
	RegisterTicket(ctx context.Context, numbers []int, imageURL string) (ledger.Receipt, error)
	SubmitPrediction(ctx context.Context, req ledger.PredictionRequest) (ledger.Receipt, error)
	ClaimMission(ctx context.Context, missionID string) (ledger.Receipt, error)
}

type RewardsHandler struct {
	ledger Ledger
	picker ocr.Picker
}

func NewRewardsHandler(l Ledger, picker ocr.Picker) *RewardsHandler {
	return &RewardsHandler{ledger: l, picker: picker}
}

type amountRequest struct {
	Amount float64 `json:"amount"`
}

type adRequest struct {
	Watched bool   `json:"watched"`
	Network string `json:"network"`
}

type ticketRequest struct {
	Numbers  []int  `json:"numbers"`
	Text     string `json:"text"`
	ImageURL string `json:"image_url"`
}

func (h *RewardsHandler) CompleteAd(c *gin.Context) {
	var req adRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	ctx := ads.WithResult(c.Request.Context(), ads.Result{Watched: req.Watched, Network: req.Network})
	rc, err := h.ledger.CompleteAd(ctx)
	respond(c, rc, err)
}

func (h *RewardsHandler) Stake(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	rc, err := h.ledger.Stake(c.Request.Context(), req.Amount)
	respond(c, rc, err)
}

func (h *RewardsHandler) Unstake(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	rc, err := h.ledger.Unstake(c.Request.Context(), req.Amount)
	respond(c, rc, err)
}

// RegisterTicket accepts either the six numbers directly or the text
// recognized from a ticket photo.
func (h *RewardsHandler) RegisterTicket(c *gin.Context) {
	var req ticketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	numbers := req.Numbers
	if len(numbers) == 0 && req.Text != "" {
		picked, err := h.picker.Pick(req.Text)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Could not read six numbers from the ticket",
				"details": err.Error(),
				"found":   ocr.ParseNumbers(req.Text),
			})
			return
		}
		numbers = picked
	}

	rc, err := h.ledger.RegisterTicket(c.Request.Context(), numbers, req.ImageURL)
	respond(c, rc, err)
}

func (h *RewardsHandler) SubmitPrediction(c *gin.Context) {
	var req ledger.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	rc, err := h.ledger.SubmitPrediction(c.Request.Context(), req)
	respond(c, rc, err)
}

func (h *RewardsHandler) ClaimMission(c *gin.Context) {
	rc, err := h.ledger.ClaimMission(c.Request.Context(), c.Param("id"))
	respond(c, rc, err)
}

// respond maps a ledger outcome to a status code. Queued commands are
// accepted but not yet confirmed.
func respond(c *gin.Context, rc ledger.Receipt, err error) {
	if err == nil {
		status := http.StatusOK
		if rc.Queued {
			status = http.StatusAccepted
		}
		c.JSON(status, gin.H{
			"success": true,
			"receipt": rc,
		})
		return
	}

	c.JSON(statusFor(err), gin.H{
		"success": false,
		"error":   errorMessage(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientStake),
		errors.Is(err, ledger.ErrAlreadyPredicted),
		errors.Is(err, ledger.ErrMissionAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrMissionNotFound):
		return http.StatusNotFound
	case ledger.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	for _, target := range []error{
		ledger.ErrNotSignedIn, ledger.ErrInvalidAmount, ledger.ErrInsufficientBalance,
		ledger.ErrInsufficientStake, ledger.ErrInvalidTicket, ledger.ErrInvalidCoin,
		ledger.ErrAlreadyPredicted, ledger.ErrMissionNotFound, ledger.ErrMissionNotCompleted,
		ledger.ErrMissionAlreadyClaimed, ledger.ErrAdNotCompleted, ledger.ErrRateLimited,
		ledger.ErrTransport,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "ledger: internal error"
}
