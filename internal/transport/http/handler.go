package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirephil/sf-async-callout/internal/repo"
	"github.com/sirephil/sf-async-callout/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.DealService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/deals", createDealHandler(svc))
		v1.GET("/deals", listDealsHandler(svc))
		v1.GET("/deals/:id", getDealHandler(svc))
		v1.PATCH("/deals/:id", updateDealHandler(svc))
		v1.DELETE("/deals/:id", deleteDealHandler(svc))
		v1.GET("/callouts", listCalloutsHandler(svc))
		v1.GET("/pipeline/stats", pipelineStatsHandler(svc))
	}
}

type createDealReq struct {
	Name   string `json:"name" binding:"required"`
	Stage  string `json:"stage"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
	Notes  string `json:"notes"`
}

func createDealHandler(svc *service.DealService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createDealReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt := decimal.Zero
		if req.Amount != "" {
			var err error
			amt, err = decimal.NewFromString(req.Amount)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
				return
			}
		}
		d, err := svc.CreateDeal(c, service.DealParams{
			Name:   req.Name,
			Stage:  req.Stage,
			Owner:  req.Owner,
			Amount: amt,
			Notes:  req.Notes,
		})
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, d)
	}
}

type updateDealReq struct {
	Name   *string `json:"name"`
	Stage  *string `json:"stage"`
	Owner  *string `json:"owner"`
	Amount *string `json:"amount"`
	Notes  *string `json:"notes"`
}

func updateDealHandler(svc *service.DealService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateDealReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		patch := service.DealPatch{
			Name:  req.Name,
			Stage: req.Stage,
			Owner: req.Owner,
			Notes: req.Notes,
		}
		if req.Amount != nil {
			amt, err := decimal.NewFromString(*req.Amount)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
				return
			}
			patch.Amount = &amt
		}
		d, err := svc.UpdateDeal(c, c.Param("id"), patch)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func deleteDealHandler(svc *service.DealService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteDeal(c, c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func getDealHandler(svc *service.DealService) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := svc.GetDeal(c, c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func listDealsHandler(svc *service.DealService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		deals, err := svc.ListDeals(c, limit)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, deals)
	}
}

func listCalloutsHandler(svc *service.DealService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		rows, err := svc.ListCallouts(c, c.Query("status"), limit)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func pipelineStatsHandler(svc *service.DealService) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := svc.PipelineStats(c)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repo.ErrDealNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrDealConflict):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
