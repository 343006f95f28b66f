package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service, *mockLedger, *fakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, ledger, clock := newTestService(t)

	r := gin.New()
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, svc, ledger, clock
}

type sessionResponse struct {
	Session struct {
		Status         Status `json:"status"`
		ReleasedAmount string `json:"releasedAmount"`
		RefundedAmount string `json:"refundedAmount"`
	} `json:"session"`
}

func postSession(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, sessionResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", path, nil))
	var resp sessionResponse
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("bad response body: %v", err)
		}
	}
	return w, resp
}

func TestHandler_NoShowRefundRoute(t *testing.T) {
	r, svc, ledger, clock := newTestRouter(t)

	s := mustCreate(t, svc, "100", 3600)

	w, _ := postSession(t, r, "/v1/sessions/"+s.ID+"/no-show-refund")
	if w.Code != http.StatusConflict {
		t.Fatalf("early refund code = %d, want 409", w.Code)
	}

	clock.Advance(11 * time.Minute)
	w, resp := postSession(t, r, "/v1/sessions/"+s.ID+"/no-show-refund")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if resp.Session.Status != StatusExpired {
		t.Errorf("status = %s, want expired", resp.Session.Status)
	}
	if resp.Session.RefundedAmount != "100.000000" {
		t.Errorf("refunded = %q, want 100.000000", resp.Session.RefundedAmount)
	}
	if ledger.refundCount() != 1 {
		t.Errorf("refunds = %d, want 1", ledger.refundCount())
	}
}

func TestHandler_AutoCompleteRoute(t *testing.T) {
	r, svc, ledger, clock := newTestRouter(t)

	s := mustCreate(t, svc, "100", 3600)
	if _, err := svc.Start(context.Background(), s.ID, payer); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(30 * time.Minute)
	w, _ := postSession(t, r, "/v1/sessions/"+s.ID+"/auto-complete")
	if w.Code != http.StatusConflict {
		t.Fatalf("mid-flight code = %d, want 409", w.Code)
	}

	clock.Advance(31 * time.Minute)
	w, resp := postSession(t, r, "/v1/sessions/"+s.ID+"/auto-complete")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if resp.Session.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", resp.Session.Status)
	}
	if resp.Session.ReleasedAmount != "100.000000" {
		t.Errorf("released = %q, want full drain", resp.Session.ReleasedAmount)
	}
	if ledger.settleCount() != 1 {
		t.Errorf("settles = %d, want 1", ledger.settleCount())
	}
}

func TestHandler_RecoverRouteIsKeyProtectedNotAdmin(t *testing.T) {
	r, svc, ledger, clock := newTestRouter(t)

	s := mustCreate(t, svc, "100", 3600)
	clock.Advance(11 * time.Minute)

	// The recovery executor lives on the key-protected surface; its gate is
	// the attempt budget and cooldown, not the admin secret.
	w, resp := postSession(t, r, "/v1/sessions/"+s.ID+"/recover")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if resp.Session.Status != StatusExpired {
		t.Errorf("status = %s, want expired", resp.Session.Status)
	}
	if ledger.refundCount() != 1 {
		t.Errorf("refunds = %d, want 1", ledger.refundCount())
	}

	w, _ = postSession(t, r, "/v1/admin/sessions/"+s.ID+"/recover")
	if w.Code != http.StatusNotFound {
		t.Errorf("admin recover code = %d, want 404 (route moved)", w.Code)
	}
}
