// Package traffichttp serves the traffic-jam status endpoint that
// rejected duplicate requests are redirected to.
package traffichttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nvll/nvll-web/internal/httpmw"
	"github.com/nvll/nvll-web/internal/ledger"
	"github.com/nvll/nvll-web/internal/log"
)

// Querier is the slice of the traffic ledger the status API needs.
type Querier interface {
	Query(ctx context.Context, clientID string) (ledger.Entry, bool, error)
}

// API implements the traffic-jam status endpoints
type API struct {
	ledger Querier
	logger log.Logger
}

func NewAPI(ledger Querier, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		ledger: ledger,
		logger: logger,
	}
}

// RegisterRoutes attaches the status endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("traffic")).Get(ledger.JamRedirectPath, api.HandleStatus)
}

// Response is the status envelope returned to clients.
type Response struct {
	Success bool         `json:"success"`
	Code    int          `json:"code"`
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Data    ResponseData `json:"data"`
}

// ResponseData splits the ledger records into two disjoint views: the
// in-flight subset and the resolved records. Each is only populated
// when the caller asks for it.
type ResponseData struct {
	Actives   []ledger.Record `json:"actives"`
	Histories []ledger.Record `json:"histories,omitempty"`
}

// HandleStatus reports the caller's jam state. Query parameters:
// remoteIp overrides the ledger key (defaults to the caller's own
// address), active=true selects the in-flight records, history=true
// selects the resolved records. With neither flag the in-flight
// subset is returned.
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID := r.URL.Query().Get("remoteIp")
	if clientID == "" {
		clientID = callerAddress(r)
	}
	includeActive := boolParam(r, "active", false)
	includeHistory := boolParam(r, "history", false)
	if !includeActive && !includeHistory {
		includeActive = true
	}

	entry, ok, err := api.ledger.Query(ctx, clientID)
	if err != nil {
		api.logger.Error(ctx, err, "traffic ledger query failed",
			"client.address", clientID,
		)
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, Response{
			Success: false,
			Code:    http.StatusServiceUnavailable,
			Type:    "request",
			Message: "-ERR traffic ledger unavailable",
		})
		return
	}

	resp := Response{
		Success: true,
		Code:    http.StatusOK,
		Type:    "request",
		Message: "+OK no active traffic jam found",
	}
	if ok {
		resp.Success = entry.Success
		resp.Code = entry.Code
		resp.Type = entry.Type
		resp.Message = entry.Message
		if includeActive {
			resp.Data.Actives = activeRecords(entry)
		}
		if includeHistory {
			resp.Data.Histories = resolvedRecords(entry)
		}
	}
	if resp.Data.Actives == nil {
		resp.Data.Actives = []ledger.Record{}
	}

	api.logger.Debug(ctx, "served traffic-jam status",
		"client.address", clientID,
		"actives", len(resp.Data.Actives),
	)

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func activeRecords(e ledger.Entry) []ledger.Record {
	var out []ledger.Record
	for _, rec := range e.Data.Histories {
		if rec.Processing {
			out = append(out, rec)
		}
	}
	return out
}

func resolvedRecords(e ledger.Entry) []ledger.Record {
	var out []ledger.Record
	for _, rec := range e.Data.Histories {
		if !rec.Processing {
			out = append(out, rec)
		}
	}
	return out
}

// boolParam parses a query flag, falling back to def when absent or
// malformed.
func boolParam(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// callerAddress mirrors the admission pipeline's client identity so a
// redirected client lands on its own ledger entry.
func callerAddress(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
