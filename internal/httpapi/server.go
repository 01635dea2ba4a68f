// Package httpapi exposes the awarded-credits operations over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/internal/observability"
	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	serviceName       = "creditsd"
	bearerPrefix      = "Bearer "
	shutdownTimeout   = 5 * time.Second
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = time.Minute
)

// CreditsService is the slice of credits.Service served over HTTP.
type CreditsService interface {
	AwardCredits(ctx context.Context, userID credits.UserID, amount credits.PositiveAmount, awardedBy string, reason string, expiresAt time.Time) (credits.AwardedCredit, error)
	RecordTopup(ctx context.Context, userID credits.UserID, topupID credits.TopupTransactionID, amount credits.PositiveAmount) (credits.Topup, error)
	CheckEligibility(ctx context.Context, userID credits.UserID, topupAmount credits.PositiveAmount, topupID credits.TopupTransactionID) (credits.Eligibility, error)
	UnlockCredits(ctx context.Context, userID credits.UserID, topupID credits.TopupTransactionID, amount credits.PositiveAmount, metadata credits.MetadataJSON) (credits.UnlockResult, error)
	Balance(ctx context.Context, userID credits.UserID) (credits.Balance, error)
	ListAwards(ctx context.Context, userID credits.UserID) ([]credits.AwardedCredit, error)
	ListUnlockRecords(ctx context.Context, userID credits.UserID, limit int) ([]credits.UnlockRecord, error)
	SweepExpired(ctx context.Context) (credits.SweepResult, error)
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service CreditsService, metrics *observability.Metrics, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := newHTTPHandler(cfg, service, metrics, logger)
	handler.limiter.startJanitor(ctx, limiterSweepEvery)
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newHTTPHandler(cfg Config, service CreditsService, metrics *observability.Metrics, logger *zap.Logger) *httpHandler {
	return &httpHandler{
		cfg:     cfg,
		service: service,
		metrics: metrics,
		logger:  logger,
		limiter: newLimiterStore(rate.Limit(cfg.RateLimit), cfg.RateBurst, limiterIdleTTL),
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	}

	api := router.Group("/api/credits")
	api.Use(validator.GinMiddleware(claimsContextKey), handler.rateLimit)
	api.POST("/eligibility", handler.handleEligibility)
	api.POST("/unlock", handler.handleUnlock)
	api.GET("/balance", handler.handleBalance)
	api.GET("/awards", handler.handleAwards)
	api.GET("/unlocks", handler.handleUnlocks)

	internal := router.Group("/internal/credits")
	internal.Use(handler.requireServiceToken)
	internal.POST("/sweep", handler.handleSweep)
	internal.POST("/awards", handler.handleAward)
	internal.POST("/topups", handler.handleTopup)

	return router
}

type httpHandler struct {
	cfg     Config
	service CreditsService
	metrics *observability.Metrics
	logger  *zap.Logger
	limiter *limiterStore
}

func (handler *httpHandler) rateLimit(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing session"))
		return
	}
	if !handler.limiter.Allow(claims.GetUserID()) {
		if handler.metrics != nil {
			handler.metrics.RateLimited(ctx.FullPath())
		}
		ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) requireServiceToken(ctx *gin.Context) {
	header := ctx.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if !strings.HasPrefix(header, bearerPrefix) || subtle.ConstantTimeCompare([]byte(token), []byte(handler.cfg.ServiceToken)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthenticated", "invalid service token"))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.LedgerTimeout)
}

// respondError writes the error envelope for a service failure.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch credits.Classify(err) {
	case credits.KindInvalidInput:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_input", err.Error()))
	case credits.KindNotFound:
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_topup", "topup transaction not found"))
	case credits.KindDuplicate:
		ctx.JSON(http.StatusConflict, errorResponse("duplicate", err.Error()))
	case credits.KindLedgerUnavailable:
		handler.logger.Warn("ledger unavailable", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "ledger temporarily unavailable, retry"))
	default:
		handler.logger.Error("credits request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
