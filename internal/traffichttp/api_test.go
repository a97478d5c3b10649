package traffichttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/nvll/nvll-web/internal/ledger"
)

type failingQuerier struct{}

func (failingQuerier) Query(ctx context.Context, clientID string) (ledger.Entry, bool, error) {
	return ledger.Entry{}, false, errors.New("connection refused")
}

func newTestAPI(t *testing.T) (*API, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	return NewAPI(l, nil), l
}

func serve(t *testing.T, api *API, target, remoteAddr string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", target, nil)
	req.RemoteAddr = remoteAddr
	r.ServeHTTP(rec, req)

	var resp Response
	if rec.Code == http.StatusOK || rec.Code == http.StatusServiceUnavailable {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v (body %q)", err, rec.Body.String())
		}
	}
	return rec, resp
}

func TestStatus_NoEntry(t *testing.T) {
	api, _ := newTestAPI(t)

	rec, resp := serve(t, api, "/api/v0/traffic-jam", "203.0.113.1:5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !resp.Success || resp.Code != 200 {
		t.Fatalf("envelope = %+v, want success/200", resp)
	}
	if resp.Message != "+OK no active traffic jam found" {
		t.Fatalf("message = %q", resp.Message)
	}
	if resp.Data.Actives == nil || len(resp.Data.Actives) != 0 {
		t.Fatalf("actives = %#v, want empty non-nil slice", resp.Data.Actives)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestStatus_ActiveJam(t *testing.T) {
	api, l := newTestAPI(t)
	if _, err := l.Admit(context.Background(), "203.0.113.2", "/orders", "POST"); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	_, resp := serve(t, api, "/api/v0/traffic-jam", "203.0.113.2:5000")
	if resp.Success {
		t.Fatal("success should be false while a record is processing")
	}
	if resp.Code != 102 {
		t.Fatalf("code = %d, want 102", resp.Code)
	}
	if resp.Message != "+OK active traffic jam found" {
		t.Fatalf("message = %q", resp.Message)
	}
	if len(resp.Data.Actives) != 1 {
		t.Fatalf("actives = %d, want 1", len(resp.Data.Actives))
	}
	if resp.Data.Actives[0].Endpoint != "/orders" || !resp.Data.Actives[0].Processing {
		t.Fatalf("active record = %+v", resp.Data.Actives[0])
	}
	if resp.Data.Histories != nil {
		t.Fatal("histories should be omitted unless requested")
	}
}

func TestStatus_ActiveAndHistoryDisjoint(t *testing.T) {
	api, l := newTestAPI(t)
	ctx := context.Background()
	dec, _ := l.Admit(ctx, "203.0.113.3", "/orders", "POST")
	l.Resolve(ctx, "203.0.113.3", dec.Record.RequestID, "order")
	l.Admit(ctx, "203.0.113.3", "/payments", "POST")

	_, resp := serve(t, api, "/api/v0/traffic-jam?active=true&history=true", "203.0.113.3:5000")
	if len(resp.Data.Actives) != 1 {
		t.Fatalf("actives = %d, want 1", len(resp.Data.Actives))
	}
	if resp.Data.Actives[0].Endpoint != "/payments" || !resp.Data.Actives[0].Processing {
		t.Fatalf("active record = %+v", resp.Data.Actives[0])
	}
	if len(resp.Data.Histories) != 1 {
		t.Fatalf("histories = %d, want 1", len(resp.Data.Histories))
	}
	if h := resp.Data.Histories[0]; h.Status != ledger.StatusSolved || h.Processing || h.Endpoint != "/orders" {
		t.Fatalf("history record = %+v, want solved /orders", h)
	}
}

func TestStatus_HistoryExcludesProcessing(t *testing.T) {
	api, l := newTestAPI(t)
	l.Admit(context.Background(), "203.0.113.9", "/orders", "POST")

	_, resp := serve(t, api, "/api/v0/traffic-jam?history=true", "203.0.113.9:5000")
	if len(resp.Data.Histories) != 0 {
		t.Fatalf("histories = %+v, want none while the record is still processing", resp.Data.Histories)
	}
	// history alone does not select the in-flight subset
	if len(resp.Data.Actives) != 0 {
		t.Fatalf("actives = %d, want 0 without active=true", len(resp.Data.Actives))
	}
	// the envelope still reports the jam even when actives are hidden
	if resp.Success {
		t.Fatal("success should reflect the underlying jam state")
	}
}

func TestStatus_ActiveSuppressed(t *testing.T) {
	api, l := newTestAPI(t)
	ctx := context.Background()
	dec, _ := l.Admit(ctx, "203.0.113.4", "/orders", "POST")
	l.Resolve(ctx, "203.0.113.4", dec.Record.RequestID, "order")
	l.Admit(ctx, "203.0.113.4", "/payments", "POST")

	_, resp := serve(t, api, "/api/v0/traffic-jam?active=false&history=true", "203.0.113.4:5000")
	if len(resp.Data.Actives) != 0 {
		t.Fatalf("actives = %d, want 0 when suppressed", len(resp.Data.Actives))
	}
	if len(resp.Data.Histories) != 1 {
		t.Fatalf("histories = %d, want the resolved record only", len(resp.Data.Histories))
	}
}

func TestStatus_RemoteIPOverride(t *testing.T) {
	api, l := newTestAPI(t)
	l.Admit(context.Background(), "198.51.100.20", "/orders", "POST")

	_, resp := serve(t, api, "/api/v0/traffic-jam?remoteIp=198.51.100.20", "203.0.113.5:5000")
	if len(resp.Data.Actives) != 1 {
		t.Fatalf("actives = %d, want the overridden client's jam", len(resp.Data.Actives))
	}
}

func TestStatus_ForwardedForIdentity(t *testing.T) {
	api, l := newTestAPI(t)
	l.Admit(context.Background(), "203.0.113.6", "/orders", "POST")

	r := chi.NewRouter()
	api.RegisterRoutes(r)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v0/traffic-jam", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.6, 10.0.0.1")
	r.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data.Actives) != 1 {
		t.Fatal("status must key on the forwarded-for client like the pipeline does")
	}
}

func TestStatus_MalformedFlagFallsBack(t *testing.T) {
	api, l := newTestAPI(t)
	l.Admit(context.Background(), "203.0.113.7", "/orders", "POST")

	_, resp := serve(t, api, "/api/v0/traffic-jam?active=banana", "203.0.113.7:5000")
	if len(resp.Data.Actives) != 1 {
		t.Fatal("malformed active flag should fall back to the default")
	}
}

func TestStatus_LedgerUnavailable(t *testing.T) {
	api := NewAPI(failingQuerier{}, nil)

	rec, resp := serve(t, api, "/api/v0/traffic-jam", "203.0.113.8:5000")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Success || resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("envelope = %+v", resp)
	}
}
