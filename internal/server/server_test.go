package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PerpVAMM/internal/command"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ingestion"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"
	"PerpVAMM/internal/server"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startCore(t *testing.T, admin uuid.UUID) chan<- core.Submission {
	t.Helper()
	c := core.NewDeterministicCore(core.Config{
		Admin:       admin,
		Params:      state.DefaultParams(),
		LRUCapacity: 64,
	}, nil, nil, nil, nil, zerolog.Nop())

	in := make(chan core.Submission)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, in, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return in
}

type fixture struct {
	deps  *server.ServerDeps
	user  state.User
	clock *testutil.Clock
	admin *testutil.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock()
	admin := testutil.NewActor(clock)

	u := state.NewUser(uuid.New())
	u.Collateral = fpmath.NewU128(25 * fpmath.QuotePrecision)
	view := projection.NewView()
	view.Seed(2, admin.ID, state.DefaultParams(), nil, []state.User{u}, map[string]int64{
		"vault:collateral": 25_000_000,
	})

	return &fixture{
		deps: &server.ServerDeps{
			View:          view,
			QueryService:  query.NewQueryService(nil, view),
			IngestService: ingestion.NewGRPCIngestService(startCore(t, admin.ID), time.Second),
			HealthChecker: observability.NewHealthChecker("core"),
			Metrics:       observability.NewMetricsWith(prometheus.NewRegistry()),
			Logger:        zerolog.Nop(),
			StartTime:     time.Now(),
		},
		user:  u,
		clock: clock,
		admin: admin,
	}
}

func (f *fixture) gateway(t *testing.T) *httptest.Server {
	t.Helper()
	gw, err := server.NewGateway(f.deps)
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestGateway_UserAndMargin(t *testing.T) {
	f := newFixture(t)
	srv := f.gateway(t)

	var user query.UserResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/users/"+f.user.Authority.String(), &user))
	assert.Equal(t, f.user.Authority, user.Authority)
	assert.Equal(t, "25", user.Collateral.String())
	assert.EqualValues(t, 2, user.AsOfSequence)

	var margin query.MarginInfo
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/users/"+f.user.Authority.String()+"/margin", &margin))
	assert.Equal(t, "None", margin.Liquidation)
	assert.Empty(t, margin.MarginRatio)

	var vaults query.VaultResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/vaults", &vaults))
	assert.Equal(t, "25", vaults.CollateralVault.String())
}

func TestGateway_ErrorCodes(t *testing.T) {
	f := newFixture(t)
	srv := f.gateway(t)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/users/not-a-uuid", http.StatusBadRequest},
		{"/v1/users/" + uuid.NewString(), http.StatusNotFound},
		{"/v1/markets/7", http.StatusNotFound},
		{"/v1/markets/x", http.StatusBadRequest},
		{"/v1/users/" + f.user.Authority.String() + "/funding?limit=5000", http.StatusBadRequest},
		{"/v1/history?kind=bogus", http.StatusBadRequest},
		{"/v1/history", http.StatusServiceUnavailable},
		{"/v1/admin/integrity", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getJSON(t, srv.URL+tt.path, nil), tt.path)
	}
}

func TestGateway_SubmitCommand(t *testing.T) {
	f := newFixture(t)
	srv := f.gateway(t)
	bob := testutil.NewActor(f.clock)

	body, err := json.Marshal(&command.InitializeUser{Header: bob.Header(nil)})
	require.NoError(t, err)

	post := func() server.SubmitResponse {
		resp, err := http.Post(srv.URL+"/v1/commands/InitializeUser", "application/json", strings.NewReader(string(body)))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out server.SubmitResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	first := post()
	assert.EqualValues(t, 0, first.Sequence)
	assert.False(t, first.Rejected)
	assert.Len(t, first.StateHash, 64)

	assert.True(t, post().Duplicate)

	resp, err := http.Post(srv.URL+"/v1/commands/Nope", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_AdminStatus(t *testing.T) {
	f := newFixture(t)
	srv := f.gateway(t)

	var st server.StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/admin/status", &st))
	assert.EqualValues(t, 2, st.ViewSequence)
	assert.False(t, st.Ready)

	f.deps.HealthChecker.SetComponent("core", true)
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/admin/status", &st))
	assert.True(t, st.Ready)
}

// ============================================================================
// gRPC
// ============================================================================

func dialBuf(t *testing.T, deps *server.ServerDeps) *grpc.ClientConn {
	t.Helper()
	s, err := server.NewGRPCServer("", "", deps)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.JSONCodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_ExchangeService(t *testing.T) {
	f := newFixture(t)
	conn := dialBuf(t, f.deps)
	ctx := t.Context()

	var user query.UserResponse
	err := conn.Invoke(ctx, "/"+server.ExchangeServiceName+"/GetUser",
		&server.UserRequest{Authority: f.user.Authority.String()}, &user)
	require.NoError(t, err)
	assert.Equal(t, f.user.Authority, user.Authority)

	err = conn.Invoke(ctx, "/"+server.ExchangeServiceName+"/GetUser",
		&server.UserRequest{Authority: uuid.NewString()}, &user)
	assert.Equal(t, codes.NotFound, status.Code(err))

	bob := testutil.NewActor(f.clock)
	payload, _ := json.Marshal(&command.InitializeUser{Header: bob.Header(nil)})
	var sub server.SubmitResponse
	require.NoError(t, conn.Invoke(ctx, "/"+server.ExchangeServiceName+"/SubmitCommand",
		&server.SubmitCommandRequest{Type: "InitializeUser", Payload: payload}, &sub))
	assert.EqualValues(t, 0, sub.Sequence)
}

func TestGRPC_HealthFollowsReadiness(t *testing.T) {
	f := newFixture(t)
	conn := dialBuf(t, f.deps)
	client := healthpb.NewHealthClient(conn)

	// Health uses the proto codec regardless of the default subtype.
	resp, err := client.Check(t.Context(), &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.deps.HealthChecker.SetComponent("core", true)
	resp, err = client.Check(t.Context(), &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
