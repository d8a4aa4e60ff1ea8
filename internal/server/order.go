package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
)

func (s *Server) SubmitOrder(c *gin.Context) {
	var req orderdomain.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = actingUser(c)
	}
	order, err := s.orderSvc.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

type approveOrderRequest struct {
	// Side distinguishes who signs off: "consumer" (default) or "provider".
	Side string `json:"side"`
}

func (s *Server) ApproveOrder(c *gin.Context) {
	var req approveOrderRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	orderID := c.Param("id")
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Side)) {
	case "", "consumer":
		err = s.orderSvc.ApproveByConsumer(ctx, orderID, actingUser(c))
	case "provider":
		err = s.orderSvc.ApproveByProvider(ctx, orderID, actingUser(c))
	default:
		AbortWithError(c, invalidRequestError())
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) RejectOrder(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.orderSvc.Reject(c.Request.Context(), c.Param("id"), actingUser(c), req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) CancelOrder(c *gin.Context) {
	if err := s.orderSvc.Cancel(c.Request.Context(), c.Param("id"), actingUser(c)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ExecuteOrder(c *gin.Context) {
	if err := s.orderSvc.Execute(c.Request.Context(), c.Param("id"), actingUser(c)); err != nil {
		AbortWithError(c, err)
		return
	}
	order, err := s.orderSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CompleteOrderItem is the callback endpoint for asynchronous backends.
func (s *Server) CompleteOrderItem(c *gin.Context) {
	var req struct {
		ScopeKind string `json:"scope_kind"`
		ScopeID   string `json:"scope_id"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.orderSvc.CompleteItem(c.Request.Context(), c.Param("id"), req.ScopeKind, req.ScopeID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) FailOrderItem(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	_ = c.ShouldBindJSON(&req)
	if strings.TrimSpace(req.Message) == "" {
		req.Message = "backend reported failure"
	}
	if err := s.orderSvc.FailItem(c.Request.Context(), c.Param("id"), req.Message); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetOrder(c *gin.Context) {
	order, err := s.orderSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) ListOrders(c *gin.Context) {
	var req orderdomain.ListOrderRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	resp, err := s.orderSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
