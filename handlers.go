package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"bitbucket.org/mmdatafocus/distro_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	postingRetryAttempts = 3
	postingRetryBaseWait = 100 * time.Millisecond
)

// authorizeBusiness ensures the session may act on the requested business.
// Admin sessions may act on any business; everyone else only on their own.
func authorizeBusiness(ctx context.Context, businessId string) error {
	if businessId == "" {
		return errors.New("business_id is required")
	}
	if utils.IsAdminFromContext(ctx) {
		return nil
	}
	own, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || own != businessId {
		return errors.New("unauthorized")
	}
	return nil
}

// respondErr maps the engine error taxonomy onto HTTP codes: validation 400,
// missing documents 404, business-rule conflicts 409, transient contention
// 503 (retry with the same idempotency key), drift and everything else 500.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrAccountNotFound),
		errors.Is(err, workflow.ErrProductNotFound),
		errors.Is(err, workflow.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case workflow.IsValidationErr(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case workflow.IsConflictErr(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case workflow.IsContentionErr(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, workflow.ErrLedgerDrift), errors.Is(err, workflow.ErrInventoryDrift):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func requestContext(c *gin.Context, businessId string) context.Context {
	return utils.SetBusinessIdInContext(c.Request.Context(), businessId)
}

type adjustBalanceRequest struct {
	BusinessId     string               `json:"business_id" binding:"required"`
	AccountId      int                  `json:"account_id" binding:"required"`
	Delta          decimal.Decimal      `json:"delta"`
	Reason         models.LedgerReason  `json:"reason" binding:"required"`
	ReferenceType  models.ReferenceType `json:"reference_type"`
	ReferenceId    int                  `json:"reference_id"`
	Description    string               `json:"description"`
	IdempotencyKey string               `json:"idempotency_key" binding:"required"`
}

func adjustBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adjustBalanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		db := config.GetDB()
		logger := config.GetLogger()

		var result *workflow.BalanceResult
		var replayed bool
		err := workflow.WithContentionRetry(ctx, postingRetryAttempts, postingRetryBaseWait, func() error {
			var err error
			result, replayed, err = workflow.AdjustBalance(ctx, db, logger, req.BusinessId, workflow.BalanceAdjustment{
				AccountId:      req.AccountId,
				Delta:          req.Delta,
				Reason:         req.Reason,
				ReferenceType:  req.ReferenceType,
				ReferenceId:    req.ReferenceId,
				Description:    req.Description,
				IdempotencyKey: req.IdempotencyKey,
			})
			return err
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "replayed": replayed})
	}
}

type adjustStockRequest struct {
	BusinessId     string               `json:"business_id" binding:"required"`
	ProductId      int                  `json:"product_id" binding:"required"`
	Delta          decimal.Decimal      `json:"delta"`
	MovementType   models.MovementType  `json:"movement_type" binding:"required"`
	ReferenceType  models.ReferenceType `json:"reference_type"`
	ReferenceId    int                  `json:"reference_id"`
	Description    string               `json:"description"`
	IdempotencyKey string               `json:"idempotency_key" binding:"required"`
}

func adjustStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adjustStockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !req.MovementType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid movement_type"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		db := config.GetDB()
		logger := config.GetLogger()

		var result *workflow.StockResult
		var replayed bool
		err := workflow.WithContentionRetry(ctx, postingRetryAttempts, postingRetryBaseWait, func() error {
			var err error
			result, replayed, err = workflow.AdjustStock(ctx, db, logger, req.BusinessId, workflow.StockAdjustment{
				ProductId:      req.ProductId,
				Delta:          req.Delta,
				MovementType:   req.MovementType,
				ReferenceType:  req.ReferenceType,
				ReferenceId:    req.ReferenceId,
				Description:    req.Description,
				IdempotencyKey: req.IdempotencyKey,
			})
			return err
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "replayed": replayed})
	}
}

type createOrderRequest struct {
	BusinessId     string             `json:"business_id" binding:"required"`
	IdempotencyKey string             `json:"idempotency_key" binding:"required"`
	Order          workflow.OrderSpec `json:"order" binding:"required"`
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		db := config.GetDB()
		logger := config.GetLogger()

		var result *workflow.OrderResult
		var replayed bool
		err := workflow.WithContentionRetry(ctx, postingRetryAttempts, postingRetryBaseWait, func() error {
			var err error
			result, replayed, err = workflow.CreateOrder(ctx, db, logger, req.BusinessId, req.Order, req.IdempotencyKey)
			return err
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "replayed": replayed})
	}
}

type cancelOrderRequest struct {
	BusinessId     string `json:"business_id" binding:"required"`
	OrderId        int    `json:"order_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func cancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		db := config.GetDB()
		logger := config.GetLogger()

		var result *workflow.OrderResult
		var replayed bool
		err := workflow.WithContentionRetry(ctx, postingRetryAttempts, postingRetryBaseWait, func() error {
			var err error
			result, replayed, err = workflow.CancelOrder(ctx, db, logger, req.BusinessId, req.OrderId, req.IdempotencyKey)
			return err
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "replayed": replayed})
	}
}

type recordPaymentRequest struct {
	BusinessId     string               `json:"business_id" binding:"required"`
	OrderId        int                  `json:"order_id" binding:"required"`
	Amount         decimal.Decimal      `json:"amount"`
	Method         models.PaymentMethod `json:"method" binding:"required"`
	IdempotencyKey string               `json:"idempotency_key" binding:"required"`
}

func recordPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		db := config.GetDB()
		logger := config.GetLogger()

		var result *workflow.OrderResult
		var replayed bool
		err := workflow.WithContentionRetry(ctx, postingRetryAttempts, postingRetryBaseWait, func() error {
			var err error
			result, replayed, err = workflow.RecordPayment(ctx, db, logger, req.BusinessId, req.OrderId, req.Amount, req.Method, req.IdempotencyKey)
			return err
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "replayed": replayed})
	}
}

type recordSaleRequest struct {
	BusinessId     string              `json:"business_id" binding:"required"`
	OrderId        int                 `json:"order_id" binding:"required"`
	Items          []workflow.SaleItem `json:"items"`
	IdempotencyKey string              `json:"idempotency_key" binding:"required"`
}

func recordSaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordSaleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		db := config.GetDB()
		logger := config.GetLogger()

		var result *workflow.OrderResult
		var replayed bool
		err := workflow.WithContentionRetry(ctx, postingRetryAttempts, postingRetryBaseWait, func() error {
			var err error
			result, replayed, err = workflow.RecordSale(ctx, db, logger, req.BusinessId, req.OrderId, req.Items, req.IdempotencyKey)
			return err
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "replayed": replayed})
	}
}

type completeDeliveryRequest struct {
	BusinessId     string          `json:"business_id" binding:"required"`
	OrderId        int             `json:"order_id" binding:"required"`
	Collected      decimal.Decimal `json:"collected"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
}

func completeDeliveryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeDeliveryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		db := config.GetDB()
		logger := config.GetLogger()

		var result *workflow.OrderResult
		var replayed bool
		err := workflow.WithContentionRetry(ctx, postingRetryAttempts, postingRetryBaseWait, func() error {
			var err error
			result, replayed, err = workflow.CompleteDeliveryWithCollection(ctx, db, logger, req.BusinessId, req.OrderId, req.Collected, req.IdempotencyKey)
			return err
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": result, "replayed": replayed})
	}
}

type runReconciliationRequest struct {
	BusinessId string `json:"business_id" binding:"required"`
}

func runReconciliationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req runReconciliationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		report, err := workflow.RunReconciliation(ctx, config.GetDB(), config.GetLogger(), req.BusinessId)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
	}
}

type ledgerQuery struct {
	BusinessId string `form:"business_id" binding:"required"`
	AccountId  int    `form:"account_id" binding:"required"`
	Limit      int    `form:"limit"`
}

func accountLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q ledgerQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), q.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if q.Limit <= 0 || q.Limit > 500 {
			q.Limit = 100
		}

		ctx := requestContext(c, q.BusinessId)
		var entries []models.LedgerEntry
		if err := config.GetDB().WithContext(ctx).
			Where("business_id = ? AND account_id = ?", q.BusinessId, q.AccountId).
			Order("id DESC").
			Limit(q.Limit).
			Find(&entries).Error; err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

type movementsQuery struct {
	BusinessId string `form:"business_id" binding:"required"`
	ProductId  int    `form:"product_id" binding:"required"`
	Limit      int    `form:"limit"`
}

func productMovementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q movementsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeBusiness(c.Request.Context(), q.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if q.Limit <= 0 || q.Limit > 500 {
			q.Limit = 100
		}

		ctx := requestContext(c, q.BusinessId)
		var movements []models.InventoryMovement
		if err := config.GetDB().WithContext(ctx).
			Where("business_id = ? AND product_id = ?", q.BusinessId, q.ProductId).
			Order("id DESC").
			Limit(q.Limit).
			Find(&movements).Error; err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"movements": movements})
	}
}

type outboxRequeueRequest struct {
	BusinessId string `json:"business_id" binding:"required"`
}

// Ops tooling (admin only): requeue DEAD outbox records after the underlying
// cause is fixed.
func outboxRequeueDeadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAdminFromContext(c.Request.Context()) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req outboxRequeueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := requestContext(c, req.BusinessId)
		n, err := workflow.RequeueDeadRecords(ctx, config.GetDB(), req.BusinessId)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"business_id": req.BusinessId, "requeued": n})
	}
}
