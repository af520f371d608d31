package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
	"github.com/956zs/discord-embed-app-sub001/internal/service/alert"
	"github.com/956zs/discord-embed-app-sub001/internal/service/rollup"
	"github.com/956zs/discord-embed-app-sub001/internal/service/system"
	"github.com/956zs/discord-embed-app-sub001/internal/ws"
)

// MetricsCollector is the process-wide counter and timing store.
type MetricsCollector interface {
	IncrementCounter(name string)
	RecordTiming(name string, durationMS float64)
	Snapshot(period string) (domain.MetricsSnapshot, error)
	Uptime() time.Duration
}

// AlertService is the subset of the alert manager the API drives.
type AlertService interface {
	TriggerAlert(ctx context.Context, level domain.AlertSeverity, message string, details map[string]any, key string) (domain.Alert, error)
	ResolveAlert(ctx context.Context, id, resolvedBy string) (domain.Alert, error)
	ActiveAlerts() []domain.Alert
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)
	SlowRequestConfig() alert.SlowRequestConfig
	Thresholds() alert.Thresholds
	SetThresholds(t alert.Thresholds) error
}

// ProcessSource reports the bot's process state. Snapshot must return
// within its own timeout and never fail.
type ProcessSource interface {
	Snapshot(ctx context.Context) domain.ProcessSnapshot
}

// HostSampler reads host statistics.
type HostSampler interface {
	Sample(ctx context.Context) system.Stats
}

// RollupRunner re-runs the daily aggregation on demand.
type RollupRunner interface {
	ParseDate(value string) (time.Time, error)
	RunForDate(ctx context.Context, date time.Time, guilds []string) (rollup.Report, error)
}

// EventRecorder accepts raw guild events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, kind string, attrs map[string]any) (domain.GuildEvent, error)
}

// Deps collects router dependencies. Processes may be nil when no process
// manager is configured; every other service is required.
type Deps struct {
	Logger      *slog.Logger
	Metrics     MetricsCollector
	Alerts      AlertService
	Processes   ProcessSource
	Host        HostSampler
	Stats       repository.StatsRepository
	Rollups     RollupRunner
	Events      EventRecorder
	Hub         *ws.Hub
	Limiter     RateLimiter
	Auth        AuthMode
	IngestToken string
	SessionTTL  time.Duration
	RateLimit   RateLimit
	DBHealth    func(context.Context) error
	Gatherer    prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	metrics     MetricsCollector
	alerts      AlertService
	processes   ProcessSource
	host        HostSampler
	stats       repository.StatsRepository
	rollups     RollupRunner
	events      EventRecorder
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	auth        AuthMode
	ingestToken string
	sessionTTL  time.Duration
	rateLimit   RateLimit
	dbHealth    func(context.Context) error
	gatherer    prometheus.Gatherer

	// slowAlertTimeout bounds the background TriggerAlert call made for
	// slow requests.
	slowAlertTimeout time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	slowRequests       *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitTokenMint = 10
	rateLimitIngest    = 1200
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 1 << 20
	defaultSessionTTL  = 12 * time.Hour
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		metrics:   deps.Metrics,
		alerts:    deps.Alerts,
		processes: deps.Processes,
		host:      deps.Host,
		stats:     deps.Stats,
		rollups:   deps.Rollups,
		events:    deps.Events,
		hub:       deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:          deps.Limiter,
		auth:             deps.Auth,
		ingestToken:      strings.TrimSpace(deps.IngestToken),
		sessionTTL:       deps.SessionTTL,
		rateLimit:        deps.RateLimit,
		dbHealth:         deps.DBHealth,
		gatherer:         deps.Gatherer,
		slowAlertTimeout: 5 * time.Second,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	if r.sessionTTL <= 0 {
		r.sessionTTL = defaultSessionTTL
	}
	if r.rateLimit.Window <= 0 {
		r.rateLimit.Window = rateWindowDefault
	}
	if !r.auth.Enforced() {
		r.logger.Warn("operator endpoints are NOT protected: auth mode is open; set OPERATOR_TOKEN to enforce")
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	ingest := RateLimit{Requests: rateLimitIngest, Window: rateWindowDefault}
	mint := RateLimit{Requests: rateLimitTokenMint, Window: rateWindowDefault}

	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/api/health", r.instrument("/api/health", r.handleHealth))
	r.mux.HandleFunc("/api/metrics", r.instrument("/api/metrics", r.handleMetrics))
	r.mux.HandleFunc("/api/stats/{guildID}", r.instrument("/api/stats/{guildID}", r.handleStats))
	r.mux.HandleFunc("/api/auth/token", r.instrument("/api/auth/token", r.withRateLimit("/api/auth/token", mint, rateLimitKeyIP, r.handleAuthToken)))
	r.mux.HandleFunc("/api/alerts", r.instrument("/api/alerts", r.operator("/api/alerts", r.handleAlerts)))
	r.mux.HandleFunc("/api/alerts/config", r.instrument("/api/alerts/config", r.operator("/api/alerts/config", r.handleAlertConfig)))
	r.mux.HandleFunc("/api/alerts/{id}/resolve", r.instrument("/api/alerts/{id}/resolve", r.operator("/api/alerts/{id}/resolve", r.handleResolveAlert)))
	r.mux.HandleFunc("/api/alerts/stream", r.instrumentStream("/api/alerts/stream", r.operator("/api/alerts/stream", r.handleAlertStream)))
	r.mux.HandleFunc("/api/rollups", r.instrument("/api/rollups", r.operator("/api/rollups", r.handleRollups)))
	r.mux.HandleFunc("/api/events", r.instrument("/api/events", r.withRateLimit("/api/events", ingest, rateLimitKeyIP, r.handleEvents)))
	r.mux.HandleFunc("/ws/alerts", r.instrumentStream("/ws/alerts", r.operator("/ws/alerts", r.handleAlertsWS)))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := "ok"
	database := r.checkDatabase(req.Context())
	if database["status"] != "up" {
		status = "degraded"
	}
	components := map[string]any{"database": database}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) checkDatabase(ctx context.Context) map[string]any {
	if r.dbHealth == nil {
		return map[string]any{"status": "up"}
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := r.dbHealth(ctx); err != nil {
		return map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	}
	return map[string]any{"status": "up"}
}

// handleHealth builds the combined dashboard snapshot. The probes run
// concurrently; the process poll carries its own timeout so a hung process
// manager degrades the bot section instead of stalling the response.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx := req.Context()

	var (
		wg       sync.WaitGroup
		host     system.Stats
		database map[string]any
		procs    domain.ProcessSnapshot
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		hostCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()
		host = r.host.Sample(hostCtx)
	}()
	go func() {
		defer wg.Done()
		database = r.checkDatabase(ctx)
	}()
	go func() {
		defer wg.Done()
		if r.processes != nil {
			procs = r.processes.Snapshot(ctx)
		}
	}()
	wg.Wait()

	bot := botSection(r.processes != nil, procs)
	active := r.alerts.ActiveAlerts()
	status := healthStatus(database, bot, host, active)

	payload := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"uptime":    int64(r.metrics.Uptime().Seconds()),
		"services": map[string]any{
			"system":     host,
			"database":   database,
			"discordBot": bot,
		},
		"alerts": map[string]any{
			"active": active,
			"count":  len(active),
		},
	}
	if snap, err := r.metrics.Snapshot("1h"); err == nil {
		payload["metrics"] = map[string]any{
			"counters": snap.Counters,
			"gauges":   snap.Gauges,
			"timings":  snap.Timings,
			"summary":  snap.Summary,
		}
	}
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func botSection(configured bool, snap domain.ProcessSnapshot) map[string]any {
	if !configured {
		return map[string]any{"status": "unavailable", "error": "process manager not configured", "configured": false}
	}
	if !snap.Available {
		return map[string]any{"status": "unavailable", "error": snap.Error, "configured": true}
	}
	status := "stopped"
	for _, p := range snap.Processes {
		if isRunning(p.Status) {
			status = "running"
			break
		}
	}
	return map[string]any{
		"status":     status,
		"configured": true,
		"mode":       snap.Mode,
		"processes":  snap.Processes,
		"totals": map[string]any{
			"cpu":       snap.TotalCPU,
			"memory_mb": snap.TotalMemoryMB,
			"restarts":  snap.TotalRestarts,
		},
		"collected_at": snap.CollectedAt,
	}
}

func isRunning(status string) bool {
	switch strings.ToLower(status) {
	case "online", "running":
		return true
	}
	return false
}

// healthStatus: a dead database makes the service unhealthy; a missing or
// stopped bot, host pressure or any active ERROR alert degrades it.
func healthStatus(database, bot map[string]any, host system.Stats, active []domain.Alert) string {
	if database["status"] != "up" {
		return "unhealthy"
	}
	if bot["configured"] == true && bot["status"] != "running" {
		return "degraded"
	}
	if host.Pressure() {
		return "degraded"
	}
	for _, a := range active {
		if a.Severity == domain.SeverityError {
			return "degraded"
		}
	}
	return "healthy"
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
