package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/respond"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiResponse struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data"`
	Error   *respond.ErrorBody `json:"error"`
}

// setupRouter mounts the handler with an X-Wallet header standing in for
// signature authentication.
func setupRouter(env *testEnv) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if w := c.GetHeader("X-Wallet"); w != "" {
			c.Set(auth.ContextKeyWallet, w)
		}
		c.Next()
	})
	h := NewHandler(env.svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r
}

func call(t *testing.T, r *gin.Engine, method, path, wallet string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("X-Wallet", wallet)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func decodeData[T any](t *testing.T, resp apiResponse) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestHandler_CreateEscrow(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)

	code, resp := call(t, r, http.MethodPost, "/v1/escrows", buyer, gin.H{
		"buyerWallet":  buyer,
		"sellerWallet": seller,
		"buyerAmount":  "10",
		"token":        "USDC",
		"timeoutHours": 24,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)

	got := decodeData[map[string]any](t, resp)
	assert.Equal(t, "traditional", got["escrowType"])
	assert.Equal(t, "10000000", got["buyerAmount"])
	assert.Equal(t, string(StatusCreated), got["status"])
	assert.NotEmpty(t, got["custodyAddress"])
	assert.NotContains(t, got, "CustodySecret")
}

func TestHandler_CreateEscrow_Milestones(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)

	code, resp := call(t, r, http.MethodPost, "/v1/escrows", buyer, gin.H{
		"escrowType":   "simple_buyer",
		"buyerWallet":  buyer,
		"sellerWallet": seller,
		"buyerAmount":  "2",
		"token":        "USDC",
		"milestones": []gin.H{
			{"description": "design", "percentage": "50"},
			{"description": "build", "percentage": "50"},
		},
	})
	require.Equal(t, http.StatusCreated, code, resp.Error)
	got := decodeData[struct {
		Milestones []Milestone `json:"milestones"`
	}](t, resp)
	require.Len(t, got.Milestones, 2)
	assert.Equal(t, "1000000", got.Milestones[0].Amount.String())
}

func TestHandler_CreateEscrow_Rejections(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)
	valid := gin.H{"buyerWallet": buyer, "sellerWallet": seller, "buyerAmount": "10", "token": "USDC"}

	tests := []struct {
		name      string
		wallet    string
		body      any
		status    int
		code      string
		invariant string
	}{
		{"wrong caller", seller, valid, http.StatusForbidden, "authorization_error", "buyer_required"},
		{"bad json", buyer, "not an object", http.StatusBadRequest, "validation_error", "invalid_request"},
		{"bad amount", buyer, gin.H{"buyerWallet": buyer, "sellerWallet": seller, "buyerAmount": "-1", "token": "USDC"},
			http.StatusBadRequest, "validation_error", "invalid_buyer_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, r, http.MethodPost, "/v1/escrows", tt.wallet, tt.body)
			assert.Equal(t, tt.status, code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.invariant, resp.Error.Invariant)
			assert.False(t, resp.Error.Retryable)
		})
	}
}

func TestHandler_GetEscrow(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)
	e := env.fundedTraditional(t)

	code, resp := call(t, r, http.MethodGet, "/v1/escrows/"+e.ID, "", nil)
	require.Equal(t, http.StatusOK, code)
	got := decodeData[map[string]any](t, resp)
	assert.Equal(t, e.ID, got["id"])
	assert.Equal(t, string(StatusFullyFunded), got["status"])

	code, resp = call(t, r, http.MethodGet, "/v1/escrows/esc_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "escrow_not_found", resp.Error.Invariant)
}

func TestHandler_ConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)
	e := env.fundedTraditional(t)
	path := "/v1/escrows/" + e.ID + "/confirm"

	code, resp := call(t, r, http.MethodPost, path, stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_a_party", resp.Error.Invariant)

	code, resp = call(t, r, http.MethodPost, path, buyer, nil)
	require.Equal(t, http.StatusOK, code)
	first := decodeData[Outcome](t, resp)
	assert.True(t, first.Escrow.BuyerConfirmed)
	assert.Nil(t, first.MultiSig)

	code, resp = call(t, r, http.MethodPost, path, seller, nil)
	require.Equal(t, http.StatusOK, code)
	done := decodeData[Outcome](t, resp)
	assert.Equal(t, StatusCompleted, done.Escrow.Status)

	code, resp = call(t, r, http.MethodGet, "/v1/escrows/"+e.ID, "", nil)
	require.Equal(t, http.StatusOK, code)
	view := decodeData[struct {
		Transfers []Transfer `json:"transfers"`
	}](t, resp)
	require.Len(t, view.Transfers, 2)
	assert.Equal(t, TransferRelease, view.Transfers[0].Kind)

	code, resp = call(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/cancel", buyer, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "state_error", resp.Error.Code)
}

func TestHandler_ConfirmMultiSigAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.withSafeBuyer(t)
	r := setupRouter(env)
	e := env.fundedTraditional(t)

	code, resp := call(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/confirm", buyer, nil)
	require.Equal(t, http.StatusAccepted, code)
	out := decodeData[Outcome](t, resp)
	require.NotNil(t, out.MultiSig)
	assert.Equal(t, 2, out.MultiSig.Threshold)
}

func TestHandler_ListEscrows(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)
	for i := 0; i < 3; i++ {
		env.createTraditional(t, "1", "")
	}

	code, resp := call(t, r, http.MethodGet, "/v1/wallets/"+buyer+"/escrows?limit=2", "", nil)
	require.Equal(t, http.StatusOK, code)
	page := decodeData[struct {
		Escrows    []Escrow `json:"escrows"`
		Count      int      `json:"count"`
		NextCursor string   `json:"nextCursor"`
		HasMore    bool     `json:"hasMore"`
	}](t, resp)
	assert.Len(t, page.Escrows, 2)
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	code, resp = call(t, r, http.MethodGet, "/v1/wallets/"+buyer+"/escrows?limit=2&cursor="+page.NextCursor, "", nil)
	require.Equal(t, http.StatusOK, code)
	rest := decodeData[struct {
		Escrows []Escrow `json:"escrows"`
		HasMore bool     `json:"hasMore"`
	}](t, resp)
	assert.Len(t, rest.Escrows, 1)
	assert.False(t, rest.HasMore)

	code, resp = call(t, r, http.MethodGet, "/v1/wallets/"+stranger+"/escrows", "", nil)
	require.Equal(t, http.StatusOK, code)
	empty := decodeData[map[string]any](t, resp)
	assert.Equal(t, []any{}, empty["escrows"])

	code, _ = call(t, r, http.MethodGet, "/v1/wallets/not-an-address/escrows", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_DisputeAndResolve(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)
	e := env.fundedTraditional(t)

	code, resp := call(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/disputes", buyer, validDispute)
	require.Equal(t, http.StatusCreated, code)
	d := decodeData[Dispute](t, resp)
	assert.Equal(t, DisputeOpen, d.Status)

	code, resp = call(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/disputes", seller, validDispute)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "dispute_already_active", resp.Error.Invariant)

	code, _ = call(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/evidence", seller, gin.H{
		"disputeId": d.ID, "evidenceType": "text", "content": "tracking number 123",
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp = call(t, r, http.MethodGet, "/v1/escrows/"+e.ID+"/evidence", buyer, nil)
	require.Equal(t, http.StatusOK, code)
	evs := decodeData[struct {
		Evidence []Evidence `json:"evidence"`
		Count    int        `json:"count"`
	}](t, resp)
	assert.Equal(t, 1, evs.Count)

	code, resp = call(t, r, http.MethodGet, "/v1/escrows/"+e.ID+"/disputes", stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)

	resolve := "/v1/admin/disputes/" + d.ID + "/resolve"
	code, resp = call(t, r, http.MethodPost, resolve, buyer, gin.H{"decision": "refund_to_buyer", "notes": "no delivery"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "admin_required", resp.Error.Invariant)

	code, resp = call(t, r, http.MethodPost, resolve, admin, gin.H{"decision": "refund_to_buyer", "notes": "no delivery"})
	require.Equal(t, http.StatusOK, code, resp.Error)
	settled := decodeData[Escrow](t, resp)
	assert.Equal(t, StatusRefunded, settled.Status)
	assert.Equal(t, int64(9_999_000), env.balance(t, buyer, usdc))

	code, resp = call(t, r, http.MethodGet, "/v1/admin/escrows/"+e.ID+"/actions", admin, nil)
	require.Equal(t, http.StatusOK, code)
	acts := decodeData[struct {
		Actions []AdminAction `json:"actions"`
	}](t, resp)
	require.Len(t, acts.Actions, 1)
	assert.Equal(t, DecisionRefund, acts.Actions[0].Decision)
}

func TestHandler_Cancellation(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)
	e := env.fundedTraditional(t)

	code, resp := call(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/cancel", buyer, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "escrow_funded", resp.Error.Invariant)

	code, resp = call(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/cancellations", buyer, gin.H{"reason": "plans changed"})
	require.Equal(t, http.StatusCreated, code)
	c := decodeData[CancellationRequest](t, resp)

	code, resp = call(t, r, http.MethodGet, "/v1/cancellations/"+c.ID, seller, nil)
	require.Equal(t, http.StatusOK, code)

	code, resp = call(t, r, http.MethodPost, "/v1/cancellations/"+c.ID+"/approve", seller, nil)
	require.Equal(t, http.StatusOK, code)
	got := decodeData[struct {
		Cancellation CancellationRequest `json:"cancellation"`
		Escrow       Escrow              `json:"escrow"`
	}](t, resp)
	assert.Equal(t, CancellationExecuted, got.Cancellation.Status)
	assert.Equal(t, StatusCancelled, got.Escrow.Status)
}

func TestHandler_MilestoneFlow(t *testing.T) {
	env := newTestEnv(t)
	r := setupRouter(env)
	e, ms := env.fundedMilestones(t)
	base := "/v1/escrows/" + e.ID + "/milestones/" + ms[0].ID

	code, resp := call(t, r, http.MethodPost, base+"/approve", buyer, nil)
	assert.Equal(t, http.StatusConflict, code, "work not submitted yet")

	code, resp = call(t, r, http.MethodPost, base+"/submit", seller, gin.H{"notes": "done", "evidenceUrls": []string{"https://example.com/a"}})
	require.Equal(t, http.StatusOK, code)
	m := decodeData[Milestone](t, resp)
	assert.Equal(t, MilestoneWorkSubmitted, m.Status)

	code, resp = call(t, r, http.MethodPost, base+"/approve", buyer, nil)
	require.Equal(t, http.StatusOK, code)
	out := decodeData[Outcome](t, resp)
	require.NotNil(t, out.Milestone)
	assert.Equal(t, MilestoneReleased, out.Milestone.Status)
	assert.Equal(t, int64(988_020), env.balance(t, seller, usdc))
}
