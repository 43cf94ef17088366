package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("claims", jwt.MapClaims{"client_id": "ops-console"})
		c.Next()
	})

	h := NewGinHandlers(f.svc)
	router.POST("/escrow", h.InitiateEscrowHandler())
	router.GET("/escrow/:tradeId", h.GetEscrowHandler())
	router.POST("/escrow/:tradeId/milestones", h.MarkMilestoneHandler())
	router.POST("/escrow/:tradeId/cancel", h.CancelEscrowHandler())
	router.POST("/escrow/:tradeId/refund", h.RefundEscrowHandler())
	router.GET("/escrow/:tradeId/audit", h.AuditTrailHandler())
	return router
}

func do(t *testing.T, router *gin.Engine, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestEscrowHandlersLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedTrade(t, "trade-1")
	router := newRouter(f)

	body := map[string]interface{}{
		"tradeId":        "trade-1",
		"buyerUserId":    "buyer-1",
		"sellerUserId":   "seller-1",
		"totalAmountUsd": "1050.00",
	}
	code, env := do(t, router, http.MethodPost, "/escrow", body)
	require.Equal(t, http.StatusCreated, code)
	var view View
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, StatusInitiated, view.Status)
	assert.Len(t, view.Milestones, 3)

	code, _ = do(t, router, http.MethodPost, "/escrow", body)
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, router, http.MethodPost, "/escrow/trade-1/milestones", map[string]string{"milestoneName": "Funds Captured"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, StatusFundsCaptured, view.Status)
	assert.NotNil(t, view.Milestones[0].CompletedAt)

	code, env = do(t, router, http.MethodGet, "/escrow/trade-1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "trade-1", view.TradeID)

	code, _ = do(t, router, http.MethodPost, "/escrow/trade-1/refund", map[string]string{"reason": "chargeback"})
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, router, http.MethodGet, "/escrow/trade-1/audit", nil)
	require.Equal(t, http.StatusOK, code)
	var trail []audit.Event
	require.NoError(t, json.Unmarshal(env.Data, &trail))
	require.Len(t, trail, 3)
	assert.Equal(t, audit.ActorUser, trail[1].ActorType)
	assert.Equal(t, "ops-console", trail[1].ActorID)
}

func TestInitiateEscrowHandlerAnswersOKForExistingEscrow(t *testing.T) {
	f := newFixture(t)
	f.seedTrade(t, "trade-1")
	router := newRouter(f)
	body := map[string]interface{}{
		"tradeId":        "trade-1",
		"buyerUserId":    "buyer-1",
		"sellerUserId":   "seller-1",
		"totalAmountUsd": "1050.00",
	}

	code, env := do(t, router, http.MethodPost, "/escrow", body)
	require.Equal(t, http.StatusCreated, code)
	var created View
	require.NoError(t, json.Unmarshal(env.Data, &created))

	// A repeated request is not a new resource: 200 with the stored escrow.
	body["totalAmountUsd"] = "1050.40"
	code, env = do(t, router, http.MethodPost, "/escrow", body)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	var existing View
	require.NoError(t, json.Unmarshal(env.Data, &existing))
	assert.Equal(t, created.ID, existing.ID)
	assert.True(t, created.TotalAmountUSD.Equal(existing.TotalAmountUSD))
	assert.Equal(t, []string{"escrow.initiated"}, f.eventTypes(t, "trade-1"))
}

func TestEscrowHandlersErrors(t *testing.T) {
	f := newFixture(t)
	f.initiate(t, "trade-1")
	router := newRouter(f)

	code, env := do(t, router, http.MethodPost, "/escrow/trade-1/milestones", map[string]string{"milestoneName": "Inspection Passed"})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)
	assert.Contains(t, env.Error.Message, "is not part of the escrow workflow")

	code, _ = do(t, router, http.MethodPost, "/escrow", map[string]string{"tradeId": "trade-1"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, router, http.MethodGet, "/escrow/trade-missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)

	code, _ = do(t, router, http.MethodPost, "/escrow/trade-1/cancel", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, router, http.MethodPost, "/escrow/trade-1/milestones", map[string]string{"milestoneName": "Funds Captured"})
	assert.Equal(t, http.StatusConflict, code)
}
