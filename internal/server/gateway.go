package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 1 << 20

// SubmitResponse is the outcome of a command submitted over HTTP.
type SubmitResponse struct {
	Sequence    int64        `json:"sequence"`
	CommandType string       `json:"command_type"`
	Duplicate   bool         `json:"duplicate,omitempty"`
	Rejected    bool         `json:"rejected,omitempty"`
	RejectCode  string       `json:"reject_code,omitempty"`
	Receipt     core.Receipt `json:"receipt"`
	StateHash   string       `json:"state_hash,omitempty"`
}

// StatusResponse reports where the pipeline stands.
type StatusResponse struct {
	ViewSequence      int64  `json:"view_sequence"`
	PersistedSequence int64  `json:"persisted_sequence"`
	ProjectionLag     int64  `json:"projection_lag"`
	Ready             bool   `json:"ready"`
	Uptime            string `json:"uptime"`
}

type gateway struct {
	deps *ServerDeps
	mux  *runtime.ServeMux
}

// NewGateway registers the HTTP/JSON routes on a gRPC-Gateway mux.
func NewGateway(deps *ServerDeps) (*runtime.ServeMux, error) {
	g := &gateway{deps: deps, mux: runtime.NewServeMux()}

	routes := []struct {
		method, path, endpoint string
		h runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/commands/{type}", "submit", g.submit},
		{http.MethodGet, "/v1/users/{id}", "user", g.user},
		{http.MethodGet, "/v1/users/{id}/margin", "margin", g.margin},
		{http.MethodGet, "/v1/users/{id}/balance", "balance", g.balance},
		{http.MethodGet, "/v1/users/{id}/funding", "funding", g.funding},
		{http.MethodGet, "/v1/users/{id}/journal", "journal", g.journal},
		{http.MethodGet, "/v1/markets", "markets", g.markets},
		{http.MethodGet, "/v1/markets/{index}", "market", g.market},
		{http.MethodGet, "/v1/vaults", "vaults", g.vaults},
		{http.MethodGet, "/v1/history", "history", g.history},
		{http.MethodGet, "/v1/admin/status", "status", g.status},
		{http.MethodGet, "/v1/admin/integrity", "integrity", g.integrity},
		{http.MethodPost, "/v1/admin/snapshot", "snapshot", g.snapshot},
		{http.MethodPost, "/v1/admin/projections/rebuild", "rebuild", g.rebuild},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.path, g.instrument(rt.endpoint, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return g.mux, nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (g *gateway) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)
		if m := g.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.code)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (g *gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	runtime.HTTPError(r.Context(), g.mux, &runtime.JSONPb{}, w, r, toStatus(err))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Commands
// ============================================================================

func (g *gateway) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err != nil {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	resp, err := submitCommand(r.Context(), g.deps.IngestService, params["type"], body)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

// submitCommand runs one command through the core and shapes the answer
// shared by HTTP and gRPC callers.
func submitCommand(ctx context.Context, svc *ingestion.GRPCIngestService, typeName string, payload []byte) (*SubmitResponse, error) {
	if svc == nil {
		return nil, status.Error(codes.Unavailable, "command submission disabled")
	}
	res, err := svc.Submit(ctx, typeName, payload)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return &SubmitResponse{Sequence: -1, CommandType: typeName, Duplicate: true}, nil
	}
	if res.Output == nil {
		return nil, res.Err
	}
	env := res.Output.Envelope
	return &SubmitResponse{
		Sequence:    env.Sequence,
		CommandType: env.CommandType.String(),
		Rejected:    res.Output.Rejected(),
		RejectCode:  env.RejectCode,
		Receipt:     res.Output.Receipt,
		StateHash:   hex.EncodeToString(env.StateHash[:]),
	}, nil
}

// ============================================================================
// Queries
// ============================================================================

func (g *gateway) user(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUser(params["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.deps.QueryService.GetUser(id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (g *gateway) margin(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUser(params["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.deps.QueryService.GetMargin(id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (g *gateway) balance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUser(params["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.deps.QueryService.GetBalance(id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (g *gateway) funding(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUser(params["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.deps.QueryService.GetFundingHistory(id, int(limit))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (g *gateway) journal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseUser(params["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	before, err := optionalInt(r, "before")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.deps.QueryService.GetJournalHistory(r.Context(), id, int(limit), before)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (g *gateway) markets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, g.deps.QueryService.GetMarkets())
}

func (g *gateway) market(w http.ResponseWriter, r *http.Request, params map[string]string) {
	index, err := strconv.ParseUint(params["index"], 10, 64)
	if err != nil {
		g.fail(w, r, status.Errorf(codes.InvalidArgument, "invalid market index %q", params["index"]))
		return
	}
	resp, err := g.deps.QueryService.GetMarket(index)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (g *gateway) vaults(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, g.deps.QueryService.GetVaults())
}

func (g *gateway) history(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	var f query.HistoryFilter
	for _, k := range q["kind"] {
		if !knownKind(history.Kind(k)) {
			g.fail(w, r, status.Errorf(codes.InvalidArgument, "unknown history kind %q", k))
			return
		}
		f.Kinds = append(f.Kinds, history.Kind(k))
	}
	if u := q.Get("user"); u != "" {
		id, err := parseUser(u)
		if err != nil {
			g.fail(w, r, err)
			return
		}
		f.User = id
	}
	if m := q.Get("market"); m != "" {
		index, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			g.fail(w, r, status.Errorf(codes.InvalidArgument, "invalid market %q", m))
			return
		}
		f.Market = &index
	}
	var err error
	if f.BeforeSequence, err = optionalInt(r, "before"); err != nil {
		g.fail(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	f.Limit = int(limit)

	resp, err := g.deps.QueryService.GetHistory(r.Context(), f)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

// ============================================================================
// Admin
// ============================================================================

func (g *gateway) status(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp := StatusResponse{
		ViewSequence:      g.deps.QueryService.Sequence(),
		PersistedSequence: -1,
		Uptime:            time.Since(g.deps.StartTime).Round(time.Second).String(),
	}
	if g.deps.HealthChecker != nil {
		resp.Ready = g.deps.HealthChecker.IsReady()
	}
	if g.deps.SnapshotMgr != nil {
		seq, err := g.deps.SnapshotMgr.GetLatestSequence(r.Context())
		if err != nil {
			g.fail(w, r, err)
			return
		}
		resp.PersistedSequence = seq
		if lag, err := g.deps.QueryService.ProjectionLag(r.Context()); err == nil {
			resp.ProjectionLag = lag
		}
	}
	writeJSON(w, resp)
}

func (g *gateway) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := g.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, report)
}

func (g *gateway) snapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.deps.Snapshot == nil {
		g.fail(w, r, status.Error(codes.Unavailable, "snapshots disabled"))
		return
	}
	seq, err := g.deps.Snapshot(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"sequence": seq})
}

func (g *gateway) rebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.deps.DB == nil || g.deps.View == nil {
		g.fail(w, r, query.ErrNoDatabase)
		return
	}
	seq, users, markets, balances := g.deps.View.State()
	if err := projection.RebuildProjections(r.Context(), g.deps.DB, seq, users, markets, balances, g.deps.Logger); err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"sequence": seq})
}

// ============================================================================
// Helpers
// ============================================================================

func parseUser(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid user id %q", s)
	}
	return id, nil
}

func intParam(r *http.Request, name string) (int64, error) {
	v, err := optionalInt(r, name)
	if err != nil || v == nil {
		return 0, err
	}
	return *v, nil
}

func optionalInt(r *http.Request, name string) (*int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, s)
	}
	return &v, nil
}

func knownKind(k history.Kind) bool {
	for _, known := range history.Kinds {
		if k == known {
			return true
		}
	}
	return false
}
