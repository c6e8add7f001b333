// Package httpapi serves the engine's operational endpoints: probes, Prometheus text metrics,
// the active session listing and the admin abort hook.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paddlecourt/engine/internal/events"
	"paddlecourt/engine/internal/input"
	"paddlecourt/engine/internal/journal"
	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/match"
	"paddlecourt/engine/internal/matchmaking"
	"paddlecourt/engine/internal/quickplay"
	"paddlecourt/engine/internal/simulation"
)

// ErrSessionNotFound is returned by an Aborter for ids no manager knows.
var ErrSessionNotFound = errors.New("session not found")

// ReadinessProvider exposes engine state required for readiness checks.
type ReadinessProvider interface {
	ClientCount() int
	StartupError() error
	Uptime() time.Duration
}

// Aborter ends a running session on operator request.
type Aborter interface {
	AbortSession(ctx context.Context, sessionID int64, reason string) error
}

// SessionLister reports active session ids per mode.
type SessionLister interface {
	ActiveSessions() map[string][]int64
}

// RateLimiter gates how frequently sensitive operations may be invoked per caller.
type RateLimiter interface {
	Allow(key string) bool
}

// Metrics is the point-in-time view rendered by /metrics.
type Metrics struct {
	Clients   int
	Scheduler match.Stats
	Quickplay quickplay.Stats
	Queues    []matchmaking.Stats
	Input     input.Totals
	Events    events.Stats
	Journal   *journal.Stats
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Metrics     func() Metrics
	Sessions    SessionLister
	Aborter     Aborter
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	metrics     func() Metrics
	sessions    SessionLister
	aborter     Aborter
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		metrics:     opts.Metrics,
		sessions:    opts.Sessions,
		aborter:     opts.Aborter,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("GET /sessions", h.SessionsHandler())
	mux.HandleFunc("/admin/sessions/{id}/abort", h.AbortHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports engine readiness, including client counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients = h.readiness.ClientCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Metrics
		if h.metrics != nil {
			m = h.metrics()
		}
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		gauge(w, "pong_uptime_seconds", "Engine uptime in seconds.", fmt.Sprintf("%.0f", uptime))
		gauge(w, "pong_clients", "Registered player connections.", strconv.Itoa(m.Clients))

		gauge(w, "pong_ranked_sessions", "Sessions hosted by the fixed-rate scheduler.", strconv.Itoa(m.Scheduler.Active))
		counter(w, "pong_ranked_sessions_started_total", "Scheduler sessions started.", m.Scheduler.Started)
		counter(w, "pong_ranked_sessions_finished_total", "Scheduler sessions decided by score.", m.Scheduler.Finished)
		counter(w, "pong_ranked_sessions_ended_total", "Scheduler sessions ended for any reason.", m.Scheduler.Ended)
		gauge(w, "pong_spectators", "Open spectator frame subscriptions.", strconv.Itoa(m.Scheduler.Spectators))
		gauge(w, "pong_tick_seconds_avg", "Average scheduler tick duration.", seconds(m.Scheduler.TickMetrics.Average))
		gauge(w, "pong_tick_seconds_max", "Longest sampled scheduler tick.", seconds(m.Scheduler.TickMetrics.Max))
		gauge(w, "pong_tick_overruns", "Sampled ticks over budget.", strconv.Itoa(m.Scheduler.TickMetrics.Overruns))

		gauge(w, "pong_casual_sessions", "Sessions hosted by the quickplay manager.", strconv.Itoa(m.Quickplay.Active))
		gauge(w, "pong_casual_sessions_waiting", "Quickplay sessions paused for a reconnect.", strconv.Itoa(m.Quickplay.Waiting))
		counter(w, "pong_casual_sessions_started_total", "Quickplay sessions started.", m.Quickplay.Started)
		counter(w, "pong_casual_sessions_ended_total", "Quickplay sessions ended.", m.Quickplay.Ended)
		running := 0
		if m.Quickplay.Loop == simulation.LoopRunning {
			running = 1
		}
		gauge(w, "pong_casual_loop_running", "Whether the quickplay timer is active.", strconv.Itoa(running))

		if len(m.Queues) > 0 {
			header(w, "pong_queue_waiting", "Players waiting in a matchmaking queue.", "gauge")
			for _, q := range m.Queues {
				fmt.Fprintf(w, "pong_queue_waiting{mode=%q} %d\n", q.Mode, q.Waiting)
			}
			header(w, "pong_queue_paired_total", "Pairs formed by a matchmaking queue.", "counter")
			for _, q := range m.Queues {
				fmt.Fprintf(w, "pong_queue_paired_total{mode=%q} %d\n", q.Mode, q.Paired)
			}
			header(w, "pong_queue_failed_total", "Pairs that could not be started.", "counter")
			for _, q := range m.Queues {
				fmt.Fprintf(w, "pong_queue_failed_total{mode=%q} %d\n", q.Mode, q.Failed)
			}
			header(w, "pong_queue_longest_wait_seconds", "Wait of the oldest queued player.", "gauge")
			for _, q := range m.Queues {
				fmt.Fprintf(w, "pong_queue_longest_wait_seconds{mode=%q} %s\n", q.Mode, seconds(q.LongestWait))
			}
			header(w, "pong_queue_average_wait_seconds", "Mean wait of paired players.", "gauge")
			for _, q := range m.Queues {
				fmt.Fprintf(w, "pong_queue_average_wait_seconds{mode=%q} %s\n", q.Mode, seconds(q.AverageWait))
			}
		}

		counter(w, "pong_inputs_accepted_total", "Inputs that passed the gate.", m.Input.Accepted)
		header(w, "pong_inputs_dropped_total", "Inputs rejected by the gate.", "counter")
		fmt.Fprintf(w, "pong_inputs_dropped_total{reason=\"sequence\"} %d\n", m.Input.Dropped.Sequence)
		fmt.Fprintf(w, "pong_inputs_dropped_total{reason=\"stale\"} %d\n", m.Input.Dropped.Stale)
		fmt.Fprintf(w, "pong_inputs_dropped_total{reason=\"future\"} %d\n", m.Input.Dropped.Future)
		fmt.Fprintf(w, "pong_inputs_dropped_total{reason=\"rate_limit\"} %d\n", m.Input.Dropped.RateLimited)

		counter(w, "pong_events_published_total", "Lifecycle events published.", m.Events.Published)
		gauge(w, "pong_events_retained", "Lifecycle events retained for redelivery.", strconv.Itoa(m.Events.Retained))
		gauge(w, "pong_event_subscribers", "Active lifecycle subscribers.", strconv.Itoa(m.Events.Active))

		if m.Journal != nil {
			counter(w, "pong_journal_written_total", "Lifecycle events persisted to the journal.", uint64(m.Journal.Written))
			counter(w, "pong_journal_failed_total", "Journal writes that failed.", uint64(m.Journal.Failed))
		}
	}
}

// SessionsHandler lists active session ids per mode.
func (h *HandlerSet) SessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := map[string][]int64{}
		if h.sessions != nil {
			sessions = h.sessions.ActiveSessions()
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

// AbortHandler authorises and aborts one session without a winner.
func (h *HandlerSet) AbortHandler() http.HandlerFunc {
	type request struct {
		Reason string `json:"reason"`
	}
	type response struct {
		Status    string `json:"status"`
		SessionID int64  `json:"sessionId"`
		Reason    string `json:"reason"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "admin_abort"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("abort denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("abort denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow(clientKey(r)) {
			reqLogger.Warn("abort denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.aborter == nil {
			http.Error(w, "abort is unavailable", http.StatusServiceUnavailable)
			return
		}
		sessionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || sessionID <= 0 {
			http.Error(w, "session id must be a positive integer", http.StatusBadRequest)
			return
		}
		var body request
		if r.Body != nil {
			if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		reason := strings.TrimSpace(body.Reason)
		if reason == "" {
			reason = "aborted"
		}

		if err := h.aborter.AbortSession(r.Context(), sessionID, reason); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				http.Error(w, "session not found", http.StatusNotFound)
				return
			}
			reqLogger.Error("abort failed", logging.Error(err), logging.Int64("session_id", sessionID))
			http.Error(w, "failed to abort session", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("session aborted", logging.Int64("session_id", sessionID), logging.String("reason", reason))
		writeJSON(w, http.StatusAccepted, response{Status: "aborted", SessionID: sessionID, Reason: reason})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func header(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func gauge(w io.Writer, name, help, value string) {
	header(w, name, help, "gauge")
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func counter(w io.Writer, name, help string, value uint64) {
	header(w, name, help, "counter")
	fmt.Fprintf(w, "%s %d\n", name, value)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
