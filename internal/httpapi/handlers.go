package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	unlockStatusUnlocked = "unlocked"
	unlockStatusNothing  = "nothing_to_unlock"
)

type eligibilityRequest struct {
	TopupAmount        decimal.Decimal `json:"topup_amount"`
	TopupTransactionID string          `json:"topup_transaction_id"`
}

type unlockRequest struct {
	TopupTransactionID string          `json:"topup_transaction_id"`
	AmountToUnlock     decimal.Decimal `json:"amount_to_unlock"`
	Metadata           json.RawMessage `json:"metadata"`
}

type awardRequest struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	AwardedBy string          `json:"awarded_by"`
	Reason    string          `json:"reason"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type topupRequest struct {
	UserID             string          `json:"user_id"`
	TopupTransactionID string          `json:"topup_transaction_id"`
	Amount             decimal.Decimal `json:"amount"`
}

func (handler *httpHandler) callerID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "session has no user"))
		return credits.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) handleEligibility(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var request eligibilityRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credits.NewPositiveAmount(request.TopupAmount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var topupID credits.TopupTransactionID
	if strings.TrimSpace(request.TopupTransactionID) != "" {
		if topupID, err = credits.NewTopupTransactionID(request.TopupTransactionID); err != nil {
			handler.respondError(ctx, err)
			return
		}
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	eligibility, err := handler.service.CheckEligibility(requestCtx, userID, amount, topupID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newEligibilityPayload(eligibility))
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	var request unlockRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	topupID, err := credits.NewTopupTransactionID(request.TopupTransactionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := credits.NewPositiveAmount(request.AmountToUnlock)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := credits.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.UnlockCredits(requestCtx, userID, topupID, amount, metadata)
	if errors.Is(err, credits.ErrNothingToUnlock) {
		handler.respondNothingToUnlock(ctx, userID, err)
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	allocations := make([]allocationPayload, 0, len(result.Allocations))
	for _, allocation := range result.Allocations {
		allocations = append(allocations, allocationPayload{
			AwardID:        allocation.AwardID.String(),
			AmountUnlocked: formatAmount(allocation.AmountUnlocked),
			LockedAmount:   formatAmount(allocation.LockedAmount),
			Status:         allocation.Status.String(),
		})
	}
	ctx.JSON(http.StatusOK, unlockResponse{
		Status:         unlockStatusUnlocked,
		AmountUnlocked: formatAmount(result.AmountUnlocked),
		Balance:        newBalancePayload(result.NewBalance),
		Allocations:    allocations,
		Record:         newUnlockRecordPayload(result.Record),
	})
}

func (handler *httpHandler) respondNothingToUnlock(ctx *gin.Context, userID credits.UserID, cause error) {
	reason := credits.UnlockBlockCapacityExhausted
	switch {
	case errors.Is(cause, credits.ErrNoLockedCredits):
		reason = credits.UnlockBlockNoLockedCredits
	case errors.Is(cause, credits.ErrTopupTooSmall):
		reason = credits.UnlockBlockTopupTooSmall
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, nothingToUnlockResponse{
		Status:  unlockStatusNothing,
		Reason:  string(reason),
		Message: cause.Error(),
		Balance: newBalancePayload(balance),
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newBalancePayload(balance))
}

func (handler *httpHandler) handleAwards(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	awards, err := handler.service.ListAwards(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]awardPayload, 0, len(awards))
	for _, award := range awards {
		payload = append(payload, newAwardPayload(award))
	}
	ctx.JSON(http.StatusOK, gin.H{"awards": payload})
}

func (handler *httpHandler) handleUnlocks(ctx *gin.Context) {
	userID, ok := handler.callerID(ctx)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_input", "limit must be an integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	records, err := handler.service.ListUnlockRecords(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]unlockRecordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newUnlockRecordPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"unlocks": payload})
}

func (handler *httpHandler) handleSweep(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.SweepExpired(requestCtx)
	if err != nil {
		handler.logger.Error("sweep failed", zap.Error(err), zap.Int("expired_count", result.ExpiredCount), zap.Int("failed_count", result.FailedCount))
		payload := newSweepPayload(result)
		payload.Success = false
		statusCode := http.StatusInternalServerError
		payload.Error = &errorPayload{Code: "internal", Message: "sweep failed"}
		if credits.Classify(err) == credits.KindLedgerUnavailable {
			statusCode = http.StatusServiceUnavailable
			payload.Error = &errorPayload{Code: "ledger_unavailable", Message: "ledger temporarily unavailable, retry"}
		}
		ctx.JSON(statusCode, payload)
		return
	}
	ctx.JSON(http.StatusOK, newSweepPayload(result))
}

func (handler *httpHandler) handleAward(ctx *gin.Context) {
	var request awardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := credits.NewPositiveAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	award, err := handler.service.AwardCredits(requestCtx, userID, amount, request.AwardedBy, request.Reason, request.ExpiresAt)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newAwardPayload(award))
}

func (handler *httpHandler) handleTopup(ctx *gin.Context) {
	var request topupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	topupID, err := credits.NewTopupTransactionID(request.TopupTransactionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := credits.NewPositiveAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	topup, err := handler.service.RecordTopup(requestCtx, userID, topupID, amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"topup_transaction_id": topup.ID.String(),
		"user_id":              topup.UserID.String(),
		"amount":               formatAmount(topup.Amount),
		"max_unlock":           formatAmount(credits.MaxUnlockFromTopup(topup.Amount)),
		"created_at":           topup.CreatedAt.UTC(),
	})
}
