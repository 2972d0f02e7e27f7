package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/launchpad/internal/launcher"
	"github.com/3cpo-dev/launchpad/internal/telemetry"
	"github.com/3cpo-dev/launchpad/pkg/api"
)

const (
	startedText        = "Streamlit server started successfully."
	alreadyRunningText = "Streamlit server is already running."
	startErrorPrefix   = "Error starting Streamlit: "
)

// Server is the agent's HTTP front for the launcher.
type Server struct {
	Version       string
	Supervisor    *launcher.Supervisor
	Dashboards    []api.Dashboard
	DefaultTarget string
	// Token, when set, is required on every launcher route.
	Token string
	srv   *http.Server
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.instrument("page", s.handlePage))
	mux.HandleFunc("GET /v0/heartbeat", s.instrument("heartbeat", s.handleHeartbeat))
	mux.HandleFunc("GET /v0/dashboards", s.instrument("dashboards", s.handleDashboards))

	mux.HandleFunc("POST /start-streamlit", s.instrument("start_streamlit", s.auth(s.handleStartStreamlit)))
	mux.HandleFunc("POST /v0/launch/{target}", s.instrument("launch", s.auth(s.handleLaunch)))
	mux.HandleFunc("POST /v0/stop/{target}", s.instrument("stop", s.auth(s.handleStop)))
	mux.HandleFunc("GET /v0/status", s.instrument("status", s.auth(s.handleStatusAll)))
	mux.HandleFunc("GET /v0/status/{target}", s.instrument("status", s.auth(s.handleStatus)))
}

// Handler returns the agent's routes as one handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) handleStartStreamlit(w http.ResponseWriter, r *http.Request) {
	_ = r.Body.Close()
	// the launch must not die with a client that hangs up mid-spawn
	resp, err := s.Supervisor.Start(context.WithoutCancel(r.Context()), s.DefaultTarget)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(startErrorPrefix + resp.Message))
		return
	}
	if resp.Outcome == api.OutcomeAlreadyRunning {
		_, _ = w.Write([]byte(alreadyRunningText))
		return
	}
	_, _ = w.Write([]byte(startedText))
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	_ = r.Body.Close()
	name := r.PathValue("target")
	resp, err := s.Supervisor.Start(context.WithoutCancel(r.Context()), name)
	if err != nil {
		writeJSON(w, launchErrorStatus(err), resp)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		st, err := s.Supervisor.WaitReady(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Status = st.Status
		if st.Status != api.StatusRunning {
			resp.Message = fmt.Sprintf("%s is %s", name, st.Status)
			if st.Error != "" {
				resp.Message += ": " + st.Error
			}
			writeJSON(w, http.StatusGatewayTimeout, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func launchErrorStatus(err error) int {
	switch {
	case errors.Is(err, launcher.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, launcher.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, launcher.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	_ = r.Body.Close()
	st, err := s.Supervisor.Stop(r.Context(), r.PathValue("target"))
	if err != nil {
		writeError(w, launchErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.StatusResponse{Time: time.Now(), Targets: s.Supervisor.StatusAll()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Supervisor.Status(r.PathValue("target"))
	if err != nil {
		writeError(w, launchErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDashboards(w http.ResponseWriter, r *http.Request) {
	out := s.Dashboards
	if out == nil {
		out = []api.Dashboard{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version})
}

// auth checks the optional token from Authorization: Bearer or X-Auth-Token.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			bearer := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if !tokenEqual(bearer, "Bearer "+s.Token) && !tokenEqual(x, s.Token) {
				telemetry.CounterGlobal("launchpad_agent_auth_failures", 1, map[string]string{"path": r.URL.Path})
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		labels := map[string]string{
			"component": "agent",
			"endpoint":  endpoint,
			"status":    strconv.Itoa(rec.code),
		}
		telemetry.CounterGlobal("launchpad_agent_requests", 1, labels)
		telemetry.TimerGlobal("launchpad_agent_request_duration", time.Since(start), labels)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.code).Dur("took", time.Since(start)).Msg("request")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, api.ErrorResponse{Error: err.Error()})
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
