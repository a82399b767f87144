package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"trading-router/internal/audit"
	"trading-router/internal/execution"
	"trading-router/internal/gateway"
	"trading-router/internal/mode"
	"trading-router/pkg/exchanges/common"
)

// ModeContextHeader carries the integrity token of a mode context.
const ModeContextHeader = "X-Mode-Context"

type executeRequest struct {
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// execute runs one operation. A body that is not JSON never reaches the
// façade; everything else, including a missing context, is audited there.
func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	res := s.Exec.Execute(c.Request.Context(), execution.Request{
		ID:        c.GetString(requestIDKey),
		Operation: common.Operation(req.Operation),
		Payload:   req.Payload,
		Context:   mode.Presented(c.GetHeader(ModeContextHeader)),
	})
	if res.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	c.JSON(statusFor(res), res)
}

func statusFor(res execution.Result) int {
	switch res.Code {
	case execution.CodeOK:
		return http.StatusOK
	case execution.CodeInvalidContext:
		return http.StatusUnauthorized
	case execution.CodeDeniedByMode, execution.CodeReadOnly:
		return http.StatusForbidden
	case execution.CodeInvalidPayload:
		return http.StatusBadRequest
	case execution.CodeRejected:
		return http.StatusUnprocessableEntity
	case execution.CodeLedgerFault:
		return http.StatusConflict
	case execution.CodeNoAvailableProvider, execution.CodePriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

type switchRequest struct {
	Mode      string `json:"mode"`
	SessionID string `json:"session_id"`
	// Password confirms a LIVE switch with the operator's own password.
	Password string `json:"password,omitempty"`
	Proof    struct {
		Method      string    `json:"method"`
		ConfirmedAt time.Time `json:"confirmed_at"`
		Reference   string    `json:"reference,omitempty"`
	} `json:"proof"`
}

func (s *Server) switchMode(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	m, ok := mode.Parse(req.Mode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_MODE", "error": "mode must be PAPER, LIVE or MAINTENANCE"})
		return
	}
	operator := CurrentOperatorID(c)
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	// The confirming actor is always the authenticated operator.
	var proof mode.Proof
	switch {
	case req.Password != "":
		if !s.checkOperator(operator, req.Password) {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "INVALID_CREDENTIALS", "error": "password confirmation failed"})
			return
		}
		proof = mode.Proof{Method: "password", ConfirmedBy: operator, ConfirmedAt: time.Now()}
	case req.Proof.Method != "":
		proof = mode.Proof{
			Method:      req.Proof.Method,
			ConfirmedBy: operator,
			ConfirmedAt: req.Proof.ConfirmedAt,
			Reference:   req.Proof.Reference,
		}
	}

	res, err := s.Exec.SwitchMode(c.Request.Context(), m, operator, req.SessionID, proof)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, execution.ErrNoIssuer) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"code":     "SWITCH_REFUSED",
			"error":    err.Error(),
			"audit_id": res.AuditID,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":       res.Context.Token(),
		"mode":        res.Context.Mode(),
		"session_id":  res.Context.SessionID(),
		"expires_at":  res.Context.ExpiresAt().Format(time.RFC3339),
		"audit_id":    res.AuditID,
		"audit_error": res.AuditError,
	})
}

func (s *Server) endSession(c *gin.Context) {
	res, err := s.Exec.EndSession(c.Request.Context(), CurrentOperatorID(c), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mode.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"code": "END_SESSION_FAILED", "error": err.Error(), "audit_id": res.AuditID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true, "audit_id": res.AuditID})
}

func (s *Server) listProviders(c *gin.Context) {
	if s.Registry == nil {
		c.JSON(http.StatusOK, gin.H{"providers": []gateway.RecordSnapshot{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": s.Registry.Snapshots()})
}

func (s *Server) providerHistory(c *gin.Context) {
	if s.HistoryDB == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NO_HISTORY", "error": "health history not recorded"})
		return
	}
	limit := queryInt(c, "limit", 50)
	rows, err := gateway.HealthHistory(c.Request.Context(), s.HistoryDB, c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": c.Param("id"), "checks": rows})
}

func (s *Server) listAudit(c *gin.Context) {
	recs, err := s.Audit.Recent(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) verifyAudit(c *gin.Context) {
	rep, err := s.Audit.Verify(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rep)
	case errors.Is(err, audit.ErrChainBroken):
		c.JSON(http.StatusConflict, rep)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}

func (s *Server) paperAccount(c *gin.Context) {
	id := c.Param("id")
	snap, ok := s.Paper.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "ACCOUNT_NOT_FOUND", "error": "virtual account not found"})
		return
	}
	open := s.Paper.OpenOrders(id)
	orders := make([]common.OrderResult, 0, len(open))
	for i := range open {
		orders = append(orders, open[i].Result())
	}
	c.JSON(http.StatusOK, gin.H{"account": snap, "open_orders": orders})
}

func (s *Server) lastReconciliation(c *gin.Context) {
	if s.Recon == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "RECONCILIATION_DISABLED", "error": "reconciliation not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": s.Recon.Last()})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
