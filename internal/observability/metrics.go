package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/platform/envutil"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// Metrics instruments the serving pipeline: API traffic, LLM and rerank
// calls, cache outcomes, retrieval and graph latencies, judge stages, chat
// turns, SSE volume, and infrastructure health. All methods tolerate a nil
// receiver so call sites never gate on whether metrics are enabled.
type Metrics struct {
	reg *registry

	apiRequests *family
	apiLatency  *family
	apiInflight *family
	apiReqTotal *family
	apiReqError *family
	apiReqGood  *family

	llmRequests *family
	llmLatency  *family
	llmTokens   *family
	llmCost     *family

	cacheOps *family

	retrievalRequests *family
	retrievalLatency  *family
	retrievalResults  *family
	retrievalTotal    *family
	retrievalError    *family

	graphQueries *family
	graphLatency *family

	rerankRequests *family
	rerankLatency  *family

	embedBatches   *family
	embedBatchSize *family
	embedLatency   *family

	judgeStages  *family
	judgeLatency *family

	chatTurns       *family
	chatTurnLatency *family
	chatTurnTotal   *family
	chatTurnError   *family
	sseEvents       *family

	queueDepth *family
	pgStats    *family
	redisUp    *family
	redisPing  *family

	sloCompliance       *family
	sloBudget           *family
	sloBurn             *family
	sloLatencyThreshold float64
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Current returns the process-wide metrics, nil when disabled.
func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = build()
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
}

func build() *Metrics {
	reg := newRegistry()
	m := &Metrics{
		reg:                 reg,
		sloLatencyThreshold: envutil.Float("SLO_API_LATENCY_THRESHOLD_SECONDS", 0.5),
	}

	apiBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	m.apiRequests = reg.counter("rb_api_requests_total", "Total API requests by method/route/status.", "method", "route", "status")
	m.apiLatency = reg.histogram("rb_api_request_duration_seconds", "API request latency in seconds by method/route/status.", apiBuckets, "method", "route", "status")
	m.apiInflight = reg.gauge("rb_api_inflight_requests", "In-flight API requests.")
	m.apiReqTotal = reg.counter("rb_api_requests_total_all", "Total API requests (all).")
	m.apiReqError = reg.counter("rb_api_requests_error_total", "Total API requests with 5xx status.")
	m.apiReqGood = reg.counter("rb_api_requests_good_latency_total", "Total API requests under SLO latency threshold.")

	llmBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}
	m.llmRequests = reg.counter("rb_llm_requests_total", "LLM requests by model/endpoint/status.", "model", "endpoint", "status")
	m.llmLatency = reg.histogram("rb_llm_request_duration_seconds", "LLM request latency in seconds by model/endpoint/status.", llmBuckets, "model", "endpoint", "status")
	m.llmTokens = reg.counter("rb_llm_tokens_total", "LLM tokens by model/direction.", "model", "direction")
	m.llmCost = reg.counter("rb_llm_cost_usd_total", "Estimated LLM cost (USD) by model/direction.", "model", "direction")

	m.cacheOps = reg.counter("rb_cache_operations_total", "Cache operations by keyspace/outcome.", "keyspace", "outcome")

	retrievalBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	m.retrievalRequests = reg.counter("rb_retrieval_requests_total", "Retrieval requests by mode/status.", "mode", "status")
	m.retrievalLatency = reg.histogram("rb_retrieval_duration_seconds", "Retrieval pipeline latency in seconds by mode/status.", retrievalBuckets, "mode", "status")
	m.retrievalResults = reg.histogram("rb_retrieval_results", "Result count per retrieval by mode.", []float64{0, 1, 2, 5, 10, 20, 50, 100}, "mode")
	m.retrievalTotal = reg.counter("rb_retrieval_total_all", "Total retrievals (all).")
	m.retrievalError = reg.counter("rb_retrieval_error_total", "Total retrievals with failure status.")

	graphBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}
	m.graphQueries = reg.counter("rb_graph_queries_total", "Graph queries by mode/status.", "mode", "status")
	m.graphLatency = reg.histogram("rb_graph_query_duration_seconds", "Graph query latency in seconds by mode/status.", graphBuckets, "mode", "status")

	rerankBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	m.rerankRequests = reg.counter("rb_rerank_requests_total", "Rerank requests by status.", "status")
	m.rerankLatency = reg.histogram("rb_rerank_duration_seconds", "Rerank latency in seconds by status.", rerankBuckets, "status")

	embedBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	m.embedBatches = reg.counter("rb_embed_batches_total", "Embedding batches by status.", "status")
	m.embedBatchSize = reg.histogram("rb_embed_batch_size", "Texts per embedding batch.", []float64{1, 5, 10, 25, 50, 100})
	m.embedLatency = reg.histogram("rb_embed_duration_seconds", "Embedding batch latency in seconds by status.", embedBuckets, "status")

	judgeBuckets := []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	m.judgeStages = reg.counter("rb_judge_stage_total", "Judge stages by stage/status.", "stage", "status")
	m.judgeLatency = reg.histogram("rb_judge_stage_duration_seconds", "Judge stage latency in seconds by stage/status.", judgeBuckets, "stage", "status")

	chatBuckets := []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}
	m.chatTurns = reg.counter("rb_chat_turns_total", "Chat turns by mode/status.", "mode", "status")
	m.chatTurnLatency = reg.histogram("rb_chat_turn_duration_seconds", "Chat turn latency in seconds by mode/status.", chatBuckets, "mode", "status")
	m.chatTurnTotal = reg.counter("rb_chat_turns_total_all", "Total chat turns (all).")
	m.chatTurnError = reg.counter("rb_chat_turns_error_total", "Total chat turns with failure status.")
	m.sseEvents = reg.counter("rb_sse_events_total", "SSE events emitted by event type.", "event")

	m.queueDepth = reg.gauge("rb_document_queue_depth", "Documents by processing status.", "status")
	m.pgStats = reg.gauge("rb_postgres_stats", "Postgres connection stats.", "metric")
	m.redisUp = reg.gauge("rb_redis_up", "Redis connectivity (1=up, 0=down).")
	m.redisPing = reg.gauge("rb_redis_ping_seconds", "Redis ping latency in seconds.")

	m.sloCompliance = reg.gauge("rb_slo_compliance", "SLO compliance (SLI) over window.", "slo", "window")
	m.sloBudget = reg.gauge("rb_slo_error_budget_remaining", "Error budget remaining (0-1).", "slo", "window")
	m.sloBurn = reg.gauge("rb_slo_burn_rate", "Error budget burn rate.", "slo", "window")

	return m
}

// ---- exposition ----

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil || strings.TrimSpace(addr) == "" {
		return
	}
	srv := &http.Server{
		Addr:              strings.TrimSpace(addr),
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && log != nil {
			log.Error("metrics server failed", "error", err, "addr", srv.Addr)
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.reg.Render(w)
}

// ---- pipeline observations ----

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method = labelOr(method, "UNKNOWN")
	route = labelOr(route, "unknown")
	status = labelOr(status, "0")
	m.apiRequests.inc(method, route, status)
	m.apiLatency.observe(dur.Seconds(), method, route, status)
	m.apiReqTotal.inc()
	if strings.HasPrefix(status, "5") {
		m.apiReqError.inc()
	}
	if m.sloLatencyThreshold > 0 && dur.Seconds() <= m.sloLatencyThreshold {
		m.apiReqGood.inc()
	}
}

func (m *Metrics) ApiInflightInc() {
	if m != nil {
		m.apiInflight.add(1)
	}
}

func (m *Metrics) ApiInflightDec() {
	if m != nil {
		m.apiInflight.add(-1)
	}
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil || !llmTel.enabled() {
		return
	}
	model = labelOr(model, "unknown")
	endpoint = labelOr(endpoint, "unknown")
	status = labelOr(status, "0")
	m.llmRequests.inc(model, endpoint, status)
	if dur > 0 {
		m.llmLatency.observe(dur.Seconds(), model, endpoint, status)
	}
	if inputTokens > 0 {
		m.llmTokens.add(float64(inputTokens), model, "input")
	}
	if outputTokens > 0 {
		m.llmTokens.add(float64(outputTokens), model, "output")
	}
	if total := inputTokens + outputTokens; total > 0 {
		m.llmTokens.add(float64(total), model, "total")
	}
	inRate, outRate := llmTel.rates()
	if inputTokens > 0 && inRate > 0 {
		m.llmCost.add(float64(inputTokens)/1000*inRate, model, "input")
	}
	if outputTokens > 0 && outRate > 0 {
		m.llmCost.add(float64(outputTokens)/1000*outRate, model, "output")
	}
}

func (m *Metrics) ObserveCache(keyspace, outcome string) {
	if m == nil {
		return
	}
	m.cacheOps.inc(labelOr(keyspace, "unknown"), labelOr(outcome, "unknown"))
}

func (m *Metrics) ObserveRetrieval(mode, status string, dur time.Duration, results int) {
	if m == nil {
		return
	}
	mode = labelOr(mode, "unknown")
	status = labelOr(status, "unknown")
	m.retrievalRequests.inc(mode, status)
	if dur > 0 {
		m.retrievalLatency.observe(dur.Seconds(), mode, status)
	}
	if results >= 0 {
		m.retrievalResults.observe(float64(results), mode)
	}
	m.retrievalTotal.inc()
	if isFailureStatus(status) {
		m.retrievalError.inc()
	}
}

func (m *Metrics) ObserveGraphQuery(mode, status string, dur time.Duration) {
	if m == nil {
		return
	}
	mode = labelOr(mode, "unknown")
	status = labelOr(status, "unknown")
	m.graphQueries.inc(mode, status)
	if dur > 0 {
		m.graphLatency.observe(dur.Seconds(), mode, status)
	}
}

func (m *Metrics) ObserveRerank(status string, dur time.Duration) {
	if m == nil {
		return
	}
	status = labelOr(status, "unknown")
	m.rerankRequests.inc(status)
	if dur > 0 {
		m.rerankLatency.observe(dur.Seconds(), status)
	}
}

func (m *Metrics) ObserveEmbedBatch(size int, status string, dur time.Duration) {
	if m == nil {
		return
	}
	status = labelOr(status, "unknown")
	m.embedBatches.inc(status)
	if size > 0 {
		m.embedBatchSize.observe(float64(size))
	}
	if dur > 0 {
		m.embedLatency.observe(dur.Seconds(), status)
	}
}

func (m *Metrics) ObserveJudge(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	stage = labelOr(stage, "unknown")
	status = labelOr(status, "unknown")
	m.judgeStages.inc(stage, status)
	if dur > 0 {
		m.judgeLatency.observe(dur.Seconds(), stage, status)
	}
}

func (m *Metrics) ObserveChatTurn(mode, status string, dur time.Duration) {
	if m == nil {
		return
	}
	mode = labelOr(mode, "unknown")
	status = labelOr(status, "unknown")
	m.chatTurns.inc(mode, status)
	if dur > 0 {
		m.chatTurnLatency.observe(dur.Seconds(), mode, status)
	}
	m.chatTurnTotal.inc()
	if isFailureStatus(status) {
		m.chatTurnError.inc()
	}
}

func (m *Metrics) ObserveSSEEvent(event string) {
	if m == nil {
		return
	}
	m.sseEvents.inc(labelOr(event, "unknown"))
}

// ---- infrastructure collectors ----

func scrapeInterval() time.Duration {
	d := envutil.Duration("METRICS_SCRAPE_INTERVAL_SECONDS", 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// poll ticks fn every interval until ctx is done.
func poll(ctx context.Context, every time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	poll(ctx, scrapeInterval(), func() {
		sqlDB, err := db.DB()
		if err != nil {
			if log != nil {
				log.Warn("metrics: postgres stats unavailable", "error", err)
			}
			return
		}
		stats := sqlDB.Stats()
		m.pgStats.set(float64(stats.OpenConnections), "open_connections")
		m.pgStats.set(float64(stats.InUse), "in_use")
		m.pgStats.set(float64(stats.Idle), "idle")
		m.pgStats.set(float64(stats.WaitCount), "wait_count")
		m.pgStats.set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
		m.pgStats.set(float64(stats.MaxOpenConnections), "max_open_connections")
		m.pgStats.set(float64(stats.MaxIdleClosed), "max_idle_closed")
		m.pgStats.set(float64(stats.MaxIdleTimeClosed), "max_idle_time_closed")
		m.pgStats.set(float64(stats.MaxLifetimeClosed), "max_lifetime_closed")
	})
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil || strings.TrimSpace(addr) == "" {
		return
	}
	rdb := redis.NewClient(&redis.Options{Addr: strings.TrimSpace(addr)})
	go func() {
		<-ctx.Done()
		_ = rdb.Close()
	}()
	poll(ctx, scrapeInterval(), func() {
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err != nil {
			m.redisUp.set(0)
			if log != nil {
				log.Warn("metrics: redis ping failed", "error", err)
			}
			return
		}
		m.redisUp.set(1)
		m.redisPing.set(time.Since(start).Seconds())
	})
}

// StartDocumentQueueCollector samples documents-by-status counts so ingest
// backlogs show up on dashboards.
func (m *Metrics) StartDocumentQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	poll(ctx, scrapeInterval(), func() {
		for _, s := range []string{"pending", "processing", "completed", "failed"} {
			m.queueDepth.set(0, s)
		}
		var rows []struct {
			Status string
			Count  int64
		}
		err := db.WithContext(ctx).
			Table("documents").
			Select("status, count(*) as count").
			Group("status").
			Scan(&rows).Error
		if err != nil {
			if log != nil {
				log.Warn("metrics: document queue depth query failed", "error", err)
			}
			return
		}
		for _, row := range rows {
			m.queueDepth.set(float64(row.Count), labelOr(row.Status, "unknown"))
		}
	})
}

// ---- LLM telemetry gating ----

// llmTelemetry is opt-in: token and cost counters only move when
// LLM_TELEMETRY_ENABLED is set, with per-1K USD rates from env.
type llmTelemetry struct {
	once     sync.Once
	on       bool
	inPer1K  float64
	outPer1K float64
}

var llmTel llmTelemetry

func (t *llmTelemetry) load() {
	t.once.Do(func() {
		t.on = envutil.Bool("LLM_TELEMETRY_ENABLED", false)
		t.inPer1K = envutil.Float("LLM_COST_INPUT_PER_1K", 0)
		t.outPer1K = envutil.Float("LLM_COST_OUTPUT_PER_1K", 0)
	})
}

func (t *llmTelemetry) enabled() bool {
	t.load()
	return t.on
}

func (t *llmTelemetry) rates() (float64, float64) {
	t.load()
	return t.inPer1K, t.outPer1K
}

// ---- label helpers ----

func labelOr(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}

func isFailureStatus(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "error", "timeout", "panic":
		return true
	}
	return false
}
