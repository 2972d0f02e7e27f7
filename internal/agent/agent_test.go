package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/launchpad/internal/launcher"
	"github.com/3cpo-dev/launchpad/internal/providers"
	"github.com/3cpo-dev/launchpad/pkg/api"
)

type stubProc struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func (p *stubProc) Pid() int               { return p.pid }
func (p *stubProc) Wait() error            { <-p.done; return nil }
func (p *stubProc) Signal(os.Signal) error { p.once.Do(func() { close(p.done) }); return nil }
func (p *stubProc) Kill() error            { return p.Signal(os.Kill) }
func (p *stubProc) Release() error         { return nil }

type stubProvider struct {
	spawns int32
	err    error
	delay  time.Duration
	block  bool
}

func (f *stubProvider) Name() string                        { return "local" }
func (f *stubProvider) ProbeAddr(t providers.Target) string { return "127.0.0.1:1" }

func (f *stubProvider) Spawn(ctx context.Context, t providers.Target) (providers.Process, error) {
	n := atomic.AddInt32(&f.spawns, 1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &stubProc{pid: 4000 + int(n), done: make(chan struct{})}, nil
}

var testDashboards = []api.Dashboard{
	{Name: "recommendation-1", Title: "Recommendation 1", URL: "http://localhost:8501"},
	{Name: "recommendation-2", Title: "Recommendation 2", URL: "http://localhost:8502"},
}

func newTestServer(t *testing.T, sp *stubProvider, opts launcher.Options, targets ...providers.Target) *Server {
	t.Helper()
	if len(targets) == 0 {
		targets = []providers.Target{{Name: "streamlit", Command: []string{"streamlit", "run", "vulnerability.py"}}}
	}
	reg := providers.NewRegistry()
	reg.Register(sp)
	sup := launcher.New(reg, targets, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx, true)
	})
	return &Server{Version: "test", Supervisor: sup, Dashboards: testDashboards, DefaultTarget: "streamlit"}
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// TestHeartbeat tests the heartbeat endpoint
func TestHeartbeat(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	rr := do(t, srv.Handler(), http.MethodGet, "/v0/heartbeat", nil)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" {
		t.Fatalf("version mismatch")
	}
}

func TestStartStreamlitSuccess(t *testing.T) {
	sp := &stubProvider{}
	srv := newTestServer(t, sp, launcher.Options{})
	rr := do(t, srv.Handler(), http.MethodPost, "/start-streamlit", nil)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	if got := rr.Body.String(); got != "Streamlit server started successfully." {
		t.Fatalf("body %q", got)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type %q", ct)
	}
	if atomic.LoadInt32(&sp.spawns) != 1 {
		t.Fatalf("expected one spawn, got %d", sp.spawns)
	}
}

func TestStartStreamlitIgnoresBody(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	rr := do(t, srv.Handler(), http.MethodPost, "/start-streamlit", strings.NewReader("{not json"))
	if rr.Code != 200 || rr.Body.String() != "Streamlit server started successfully." {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestStartStreamlitAlreadyRunning(t *testing.T) {
	sp := &stubProvider{}
	srv := newTestServer(t, sp, launcher.Options{})
	h := srv.Handler()
	do(t, h, http.MethodPost, "/start-streamlit", nil)
	rr := do(t, h, http.MethodPost, "/start-streamlit", nil)
	if rr.Code != 200 || rr.Body.String() != "Streamlit server is already running." {
		t.Fatalf("status %d body %q", rr.Code, rr.Body.String())
	}
	if atomic.LoadInt32(&sp.spawns) != 1 {
		t.Fatalf("expected one spawn, got %d", sp.spawns)
	}
}

func TestStartStreamlitFailure(t *testing.T) {
	sp := &stubProvider{err: errors.New(`exec: "streamlit": executable file not found in $PATH`)}
	srv := newTestServer(t, sp, launcher.Options{})
	rr := do(t, srv.Handler(), http.MethodPost, "/start-streamlit", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rr.Code)
	}
	want := `Error starting Streamlit: exec: "streamlit": executable file not found in $PATH`
	if got := rr.Body.String(); got != want {
		t.Fatalf("body %q want %q", got, want)
	}
}

func TestStartStreamlitSpawnTimeout(t *testing.T) {
	srv := newTestServer(t, &stubProvider{block: true}, launcher.Options{SpawnTimeout: 50 * time.Millisecond})
	start := time.Now()
	rr := do(t, srv.Handler(), http.MethodPost, "/start-streamlit", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Body.String(), "Error starting Streamlit: ") || !strings.Contains(rr.Body.String(), "timed out") {
		t.Fatalf("body %q", rr.Body.String())
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("spawn timeout not enforced")
	}
}

func TestConcurrentStartStreamlit(t *testing.T) {
	sp := &stubProvider{delay: 50 * time.Millisecond}
	srv := newTestServer(t, sp, launcher.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	const n = 10
	var wg sync.WaitGroup
	bodies := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/start-streamlit", "text/plain", nil)
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != 200 {
				t.Errorf("status %d", resp.StatusCode)
			}
			bodies <- string(b)
		}()
	}
	wg.Wait()
	close(bodies)

	started, already := 0, 0
	for b := range bodies {
		switch b {
		case "Streamlit server started successfully.":
			started++
		case "Streamlit server is already running.":
			already++
		default:
			t.Fatalf("unexpected body %q", b)
		}
	}
	if started != 1 || already != n-1 {
		t.Fatalf("started=%d already=%d", started, already)
	}
	if atomic.LoadInt32(&sp.spawns) != 1 {
		t.Fatalf("expected one spawn, got %d", sp.spawns)
	}
}

func TestDashboardsAvailableBeforeLaunch(t *testing.T) {
	sp := &stubProvider{}
	srv := newTestServer(t, sp, launcher.Options{})
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/v0/dashboards", nil)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var ds []api.Dashboard
	if err := json.Unmarshal(rr.Body.Bytes(), &ds); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ds) != 2 || ds[1].URL != "http://localhost:8502" {
		t.Fatalf("dashboards %+v", ds)
	}

	rr = do(t, h, http.MethodGet, "/", nil)
	if rr.Code != 200 {
		t.Fatalf("page status %d", rr.Code)
	}
	page := rr.Body.String()
	for _, want := range []string{`href="http://localhost:8501"`, `href="http://localhost:8502"`, `target="_blank"`} {
		if !strings.Contains(page, want) {
			t.Fatalf("page missing %s", want)
		}
	}
	if atomic.LoadInt32(&sp.spawns) != 0 {
		t.Fatalf("page must not launch anything")
	}
}

func TestLaunchUnknownTarget(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	rr := do(t, srv.Handler(), http.MethodPost, "/v0/launch/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
	var resp api.LaunchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Outcome != api.OutcomeFailed {
		t.Fatalf("outcome %s", resp.Outcome)
	}
}

func TestLaunchJSON(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	h := srv.Handler()
	rr := do(t, h, http.MethodPost, "/v0/launch/streamlit", nil)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp api.LaunchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Outcome != api.OutcomeSucceeded || resp.PID != 4001 || resp.LaunchID == "" {
		t.Fatalf("resp %+v", resp)
	}

	rr = do(t, h, http.MethodGet, "/v0/status/streamlit", nil)
	var st api.TargetStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Status != api.StatusRunning {
		t.Fatalf("status %s", st.Status)
	}

	rr = do(t, h, http.MethodPost, "/v0/stop/streamlit", nil)
	if rr.Code != 200 {
		t.Fatalf("stop status %d", rr.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ = srv.Supervisor.Status("streamlit")
		if st.Status == api.StatusStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("target not stopped: %s", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLaunchWaitNotReady(t *testing.T) {
	refuse := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	srv := newTestServer(t, &stubProvider{}, launcher.Options{Dial: refuse, ProbeInterval: 20 * time.Millisecond},
		providers.Target{Name: "streamlit", Command: []string{"streamlit"}, Port: 8501, ReadyTimeoutSeconds: 1})
	rr := do(t, srv.Handler(), http.MethodPost, "/v0/launch/streamlit?wait=true", nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
	}
	var resp api.LaunchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != api.StatusFailed {
		t.Fatalf("status %s", resp.Status)
	}
}

func TestStatusAll(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	rr := do(t, srv.Handler(), http.MethodGet, "/v0/status", nil)
	var resp api.StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Targets) != 1 || resp.Targets[0].Status != api.StatusIdle {
		t.Fatalf("targets %+v", resp.Targets)
	}
	if rr := do(t, srv.Handler(), http.MethodGet, "/v0/status/nope", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown status %d", rr.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	srv.Token = "s3cret"
	h := srv.Handler()

	if rr := do(t, h, http.MethodPost, "/start-streamlit", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v0/status", nil, "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v0/status", nil, "Authorization", "Bearer s3cret"); rr.Code != 200 {
		t.Fatalf("bearer: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v0/status", nil, "X-Auth-Token", "s3cret"); rr.Code != 200 {
		t.Fatalf("x-auth-token: %d", rr.Code)
	}
	// presentation routes stay open
	if rr := do(t, h, http.MethodGet, "/v0/dashboards", nil); rr.Code != 200 {
		t.Fatalf("dashboards: %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	if rr := do(t, srv.Handler(), http.MethodGet, "/start-streamlit", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestMTLSMiddlewarePlainRequest(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestConfigureTLSRequiresCert(t *testing.T) {
	srv := &Server{}
	if _, err := srv.ConfigureTLS(MTLSConfig{}); err == nil {
		t.Fatalf("expected error without cert")
	}
}

func TestPageLaunchButtonNeedsOpenAgent(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, launcher.Options{})
	rr := do(t, srv.Handler(), http.MethodGet, "/", nil)
	if !strings.Contains(rr.Body.String(), `id="launch"`) {
		t.Fatalf("launch button missing without token")
	}

	srv.Token = "s3cret"
	rr = do(t, srv.Handler(), http.MethodGet, "/", nil)
	page := rr.Body.String()
	if rr.Code != 200 || strings.Contains(page, `id="launch"`) || strings.Contains(page, "s3cret") {
		t.Fatalf("page with token: status %d body %s", rr.Code, page)
	}
	if !strings.Contains(page, `href="http://localhost:8501"`) {
		t.Fatalf("dashboards must stay listed")
	}
}

func TestLaunchErrorStatus(t *testing.T) {
	cases := map[error]int{
		launcher.ErrUnknownTarget: http.StatusNotFound,
		launcher.ErrStopped:       http.StatusConflict,
		launcher.ErrShuttingDown:  http.StatusServiceUnavailable,
		launcher.ErrSpawn:         http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := launchErrorStatus(fmt.Errorf("wrapped: %w", err)); got != want {
			t.Fatalf("%v: got %d want %d", err, got, want)
		}
	}
}
