package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"fleetcore/core/auth"
	"fleetcore/core/codec"
	"fleetcore/core/dispatch"
	"fleetcore/core/idempotency"
	"fleetcore/core/metrics"
	"fleetcore/core/middleware"
	"fleetcore/core/observability"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

// API is the REST facade: a thin query adapter over the store, the
// session registry, and the dispatcher. It holds no domain state of
// its own.
type API struct {
	store      store.Store
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	cache      *metrics.Cache
	idem       *idempotency.Store

	commandLimiter *rate.Limiter
}

// NewAPI builds the REST facade.
func NewAPI(s store.Store, reg *session.Registry, disp *dispatch.Dispatcher, cache *metrics.Cache, idem *idempotency.Store) *API {
	return &API{
		store:      s,
		registry:   reg,
		dispatcher: disp,
		cache:      cache,
		idem:       idem,
		// Storm protection on the command-submission path, same shape
		// as the teacher's heartbeat/reconcile limiters.
		commandLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// authed wraps a handler with the shared-secret check, per spec.md §6
// ("every inbound connection and REST request presents it"). /health is
// the one exception, left open for unauthenticated liveness probes,
// matching the teacher's own always-open /health.
func authed(secret *auth.Secret, next http.HandlerFunc) http.HandlerFunc {
	return middleware.AuthMiddleware(secret, next).ServeHTTP
}

// Routes registers every handler onto mux under the /api/v1 prefix,
// plus the two WebSocket endpoints outside it.
func (a *API) Routes(mux *http.ServeMux, secret *auth.Secret, agents *agentHub, observers *observerHub) {
	mux.HandleFunc("GET /api/v1/health", a.handleHealth)

	mux.HandleFunc("GET /api/v1/nodes", authed(secret, a.handleListNodes))
	mux.HandleFunc("GET /api/v1/nodes/stats", authed(secret, a.handleNodeStats))
	mux.HandleFunc("GET /api/v1/nodes/cleanup", authed(secret, a.handleNodeCleanup))
	mux.HandleFunc("GET /api/v1/nodes/{node_id}", authed(secret, a.handleGetNode))
	mux.HandleFunc("DELETE /api/v1/nodes/{node_id}", authed(secret, a.handleDeleteNode))

	mux.HandleFunc("GET /api/v1/nodes/{node_id}/metrics/latest", authed(secret, a.handleNodeMetricsLatest))
	mux.HandleFunc("GET /api/v1/nodes/{node_id}/metrics/summary", authed(secret, a.handleNodeMetricsSummary))
	mux.HandleFunc("GET /api/v1/nodes/{node_id}/metrics", authed(secret, a.handleNodeMetricsList))
	mux.HandleFunc("GET /api/v1/metrics/latest", authed(secret, a.handleAllMetricsLatest))
	mux.HandleFunc("GET /api/v1/metrics/stats", authed(secret, a.handleMetricsStats))

	mux.HandleFunc("POST /api/v1/nodes/{node_id}/commands", authed(secret, a.withIdempotency(a.handleSubmitCommand)))
	mux.HandleFunc("GET /api/v1/commands/{command_id}", authed(secret, a.handleGetCommand))
	mux.HandleFunc("GET /api/v1/nodes/{node_id}/commands", authed(secret, a.handleListNodeCommands))
	mux.HandleFunc("GET /api/v1/commands", authed(secret, a.handleListCommands))

	mux.HandleFunc("/api/v1/ws", authed(secret, agents.handleAgentWS))
	mux.HandleFunc("/ws/client", authed(secret, observers.handleObserverWS))
}

// -- response envelope --

type successBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

type errorBody struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(successBody{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{
		Success:   false,
		ErrorCode: code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// -- idempotency wrapper --

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for requests that carry an
// Idempotency-Key already seen within the store's retention window.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idem.Get(key); found {
			for k, vs := range resp.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		a.idem.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// -- health --

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws := "running"
	if a.registry.AgentCount() == 0 && a.registry.ObserverCount() == 0 {
		ws = "down"
	}
	writeSuccess(w, http.StatusOK, "ok", map[string]string{"status": "ok", "websocket": ws})
}

// -- nodes --

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := store.NodeFilter{Status: r.URL.Query().Get("status"), Page: page, Limit: limit}

	nodes, total, err := a.store.ListNodes(r.Context(), filter)
	if err != nil {
		observability.StoreErrors.WithLabelValues("list_nodes").Inc()
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to list nodes")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", map[string]any{"nodes": nodes, "total": total})
}

func (a *API) handleNodeStats(w http.ResponseWriter, r *http.Request) {
	online, _, err := a.store.ListNodes(r.Context(), store.NodeFilter{Status: "online", Limit: 100000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to compute node stats")
		return
	}
	_, total, err := a.store.ListNodes(r.Context(), store.NodeFilter{Limit: 100000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to compute node stats")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", map[string]int{
		"total":   total,
		"online":  len(online),
		"offline": total - len(online),
	})
}

func (a *API) handleNodeCleanup(w http.ResponseWriter, r *http.Request) {
	minutes, err := strconv.Atoi(r.URL.Query().Get("timeout_minutes"))
	if err != nil || minutes <= 0 {
		minutes = 60
	}
	affected, err := a.store.CleanupStaleNodes(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to clean up stale nodes")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", map[string]int{"marked_offline": affected})
}

func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	node, err := a.store.GetNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to fetch node")
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, codec.ErrNodeNotFound, "node not found: "+nodeID)
		return
	}
	writeSuccess(w, http.StatusOK, "ok", node)
}

func (a *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	ok, err := a.store.DeleteNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to delete node")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, codec.ErrNodeNotFound, "node not found: "+nodeID)
		return
	}
	if sess, attached := a.registry.AgentSession(nodeID); attached {
		a.registry.Detach(sess)
	}
	writeSuccess(w, http.StatusOK, "deleted", map[string]string{"node_id": nodeID})
}

// -- metrics --

func parseTimeRange(r *http.Request) (start, end time.Time, err error) {
	now := time.Now().UTC()
	start = now.Add(-24 * time.Hour)
	end = now

	if v := r.URL.Query().Get("start_time"); v != "" {
		start, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, errors.New(codec.ErrInvalidTimeFormat)
		}
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		end, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return start, end, errors.New(codec.ErrInvalidTimeFormat)
		}
	}
	if end.Before(start) {
		return start, end, errors.New(codec.ErrInvalidTimeRange)
	}
	return start, end, nil
}

func (a *API) handleNodeMetricsLatest(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	sample, ok := a.cache.Get(nodeID)
	if !ok {
		var err error
		sample, err = a.store.LatestMetric(r.Context(), nodeID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to fetch latest metric")
			return
		}
	}
	if sample == nil {
		writeError(w, http.StatusNotFound, codec.ErrNoMetricsData, "no metrics reported for node: "+nodeID)
		return
	}
	writeSuccess(w, http.StatusOK, "ok", sample)
}

func (a *API) handleNodeMetricsList(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid time range")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	samples, err := a.store.ListMetrics(r.Context(), nodeID, start, end, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to list metrics")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", samples)
}

func (a *API) handleNodeMetricsSummary(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid time range")
		return
	}
	summary, err := a.store.Summary(r.Context(), nodeID, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to summarize metrics")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", summary)
}

func (a *API) handleAllMetricsLatest(w http.ResponseWriter, r *http.Request) {
	samples, err := a.store.AllLatest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to fetch latest metrics")
		return
	}
	byNode := make(map[string]*store.MetricSample, len(samples))
	for _, s := range samples {
		byNode[s.NodeID] = s
	}
	writeSuccess(w, http.StatusOK, "ok", map[string]any{"metrics": byNode})
}

func (a *API) handleMetricsStats(w http.ResponseWriter, r *http.Request) {
	samples, err := a.store.AllLatest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to compute metrics stats")
		return
	}
	var cpuSum, memSum float64
	var cpuCount, memCount int
	for _, s := range samples {
		if s.CPUUsage != nil {
			cpuSum += *s.CPUUsage
			cpuCount++
		}
		if s.MemoryUsage != nil {
			memSum += *s.MemoryUsage
			memCount++
		}
	}
	stats := map[string]any{"reporting_nodes": len(samples)}
	if cpuCount > 0 {
		stats["avg_cpu_usage"] = cpuSum / float64(cpuCount)
	}
	if memCount > 0 {
		stats["avg_memory_usage"] = memSum / float64(memCount)
	}
	writeSuccess(w, http.StatusOK, "ok", stats)
}

// -- commands --

type submitCommandRequest struct {
	CommandText string `json:"command_text"`
	Timeout     int    `json:"timeout"`
}

func (a *API) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	if !a.commandLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("submit_command").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, codec.ErrValidation, "too many command submissions, slow down")
		return
	}

	nodeID := r.PathValue("node_id")
	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codec.ErrValidation, "invalid request body")
		return
	}
	if req.CommandText == "" {
		writeError(w, http.StatusBadRequest, codec.ErrValidation, "command_text is required")
		return
	}

	rec, err := a.dispatcher.Submit(r.Context(), nodeID, req.CommandText, req.Timeout)
	if err != nil {
		log.Printf("api: submit command for %s failed: %v", nodeID, err)
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to submit command")
		return
	}
	writeSuccess(w, http.StatusAccepted, "command submitted", map[string]string{
		"command_id": rec.CommandID,
		"status":     rec.Status,
	})
}

func (a *API) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := r.PathValue("command_id")
	rec, err := a.store.GetCommand(r.Context(), commandID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to fetch command")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, codec.ErrCommandNotFound, "command not found: "+commandID)
		return
	}
	writeSuccess(w, http.StatusOK, "ok", rec)
}

func (a *API) handleListNodeCommands(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	filter := store.CommandFilter{NodeID: nodeID, Status: r.URL.Query().Get("status"), Limit: limit}

	recs, err := a.store.ListCommands(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to list commands")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", recs)
}

func (a *API) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	filter := store.CommandFilter{
		Status: r.URL.Query().Get("status"),
		NodeID: r.URL.Query().Get("node_id"),
		Limit:  limit,
		Offset: offset,
	}

	recs, err := a.store.ListCommands(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codec.ErrDatabase, "failed to list commands")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", recs)
}
