package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/platform/envutil"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// SLO tracking: counter deltas accumulate over a rolling window, each window
// yields an SLI, remaining error budget, and burn rate, and sustained burn
// fires an optional webhook alert.

// ring keeps the last n samples and their running sum.
type ring struct {
	slots []float64
	next  int
	sum   float64
}

func newRing(n int) *ring {
	if n < 1 {
		n = 1
	}
	return &ring{slots: make([]float64, n)}
}

func (r *ring) push(v float64) {
	r.sum += v - r.slots[r.next]
	r.slots[r.next] = v
	r.next = (r.next + 1) % len(r.slots)
}

// windowed turns a monotonically increasing counter into a rolling-window
// total. A counter reset (restart) contributes the post-reset value.
type windowed struct {
	read func() float64
	prev float64
	win  *ring
}

func newWindowed(slots int, read func() float64) *windowed {
	return &windowed{read: read, win: newRing(slots)}
}

func (w *windowed) sample() {
	cur := w.read()
	d := cur - w.prev
	if d < 0 {
		d = cur
	}
	w.prev = cur
	w.win.push(d)
}

func (w *windowed) total() float64 { return w.win.sum }

type sloEvaluator struct {
	m   *Metrics
	log *logger.Logger

	every       time.Duration
	windowLabel string

	apiTotal *windowed
	apiErr   *windowed
	apiGood  *windowed
	retTotal *windowed
	retErr   *windowed
	chatTot  *windowed
	chatErr  *windowed

	apiAvailTarget   float64
	apiLatencyTarget float64
	retTarget        float64
	chatTarget       float64

	alerts *alerter
}

// StartSLOEvaluator runs the periodic SLO evaluation loop when SLO_ENABLED
// is set. Targets and the window come from env; defaults: 30d window, 60s
// interval, 99.5% availability, 95% under-threshold latency, 98% success.
func (m *Metrics) StartSLOEvaluator(ctx context.Context, log *logger.Logger) {
	if m == nil || !envutil.Bool("SLO_ENABLED", false) {
		return
	}
	e := newSLOEvaluator(m, log)
	poll(ctx, e.every, e.evaluate)
	if log != nil {
		log.Info("SLO evaluator started", "window", e.windowLabel, "interval", e.every.String())
	}
}

func newSLOEvaluator(m *Metrics, log *logger.Logger) *sloEvaluator {
	every := envutil.Duration("SLO_EVAL_INTERVAL_SECONDS", 60*time.Second)
	if every <= 0 {
		every = 60 * time.Second
	}
	windowHours := envutil.Float("SLO_WINDOW_HOURS", 720)
	if windowHours < 1 {
		windowHours = 24
	}
	window := time.Duration(windowHours * float64(time.Hour))
	slots := int(window / every)

	return &sloEvaluator{
		m:                m,
		log:              log,
		every:            every,
		windowLabel:      windowLabel(window),
		apiTotal:         newWindowed(slots, func() float64 { return m.apiReqTotal.value() }),
		apiErr:           newWindowed(slots, func() float64 { return m.apiReqError.value() }),
		apiGood:          newWindowed(slots, func() float64 { return m.apiReqGood.value() }),
		retTotal:         newWindowed(slots, func() float64 { return m.retrievalTotal.value() }),
		retErr:           newWindowed(slots, func() float64 { return m.retrievalError.value() }),
		chatTot:          newWindowed(slots, func() float64 { return m.chatTurnTotal.value() }),
		chatErr:          newWindowed(slots, func() float64 { return m.chatTurnError.value() }),
		apiAvailTarget:   clamp01(envutil.Float("SLO_API_AVAIL_TARGET", 0.995)),
		apiLatencyTarget: clamp01(envutil.Float("SLO_API_LATENCY_TARGET", 0.95)),
		retTarget:        clamp01(envutil.Float("SLO_RETRIEVAL_SUCCESS_TARGET", 0.98)),
		chatTarget:       clamp01(envutil.Float("SLO_CHAT_SUCCESS_TARGET", 0.98)),
		alerts:           newAlerterFromEnv(),
	}
}

func (e *sloEvaluator) evaluate() {
	for _, w := range []*windowed{e.apiTotal, e.apiErr, e.apiGood, e.retTotal, e.retErr, e.chatTot, e.chatErr} {
		w.sample()
	}

	api := e.apiTotal.total()
	e.report("api_availability", api, e.apiErr.total(), e.apiAvailTarget)
	e.report("api_latency", api, api-e.apiGood.total(), e.apiLatencyTarget)
	e.report("retrieval_success", e.retTotal.total(), e.retErr.total(), e.retTarget)
	e.report("chat_success", e.chatTot.total(), e.chatErr.total(), e.chatTarget)
}

// report publishes SLI/budget/burn for one SLO and fires an alert when the
// burn rate crosses a threshold. Zero traffic reports full compliance.
func (e *sloEvaluator) report(name string, total, bad, target float64) {
	sli, budget, burn := 1.0, 1.0, 0.0
	if total > 0 {
		sli = clamp01(1 - bad/total)
		if target < 1 {
			burn = (1 - sli) / (1 - target)
		}
		budget = clamp01(1 - burn)
	}
	e.m.sloCompliance.set(sli, name, e.windowLabel)
	e.m.sloBudget.set(budget, name, e.windowLabel)
	e.m.sloBurn.set(burn, name, e.windowLabel)

	if total > 0 {
		e.alerts.fire(e.log, alertEvent{
			slo:    name,
			window: e.windowLabel,
			sli:    sli,
			target: target,
			burn:   burn,
			budget: budget,
		})
	}
}

// ---- alerting ----

type alertEvent struct {
	slo    string
	window string
	sli    float64
	target float64
	burn   float64
	budget float64
}

// alerter posts burn-rate alerts to a webhook, deduplicated per slo/severity
// within a cooldown. Disabled unless both webhook and owner are configured.
type alerter struct {
	webhook  string
	owner    string
	runbook  string
	cooldown time.Duration
	warnAt   float64
	critAt   float64
	client   *http.Client

	mu   sync.Mutex
	last map[string]time.Time
}

func newAlerterFromEnv() *alerter {
	return &alerter{
		webhook:  envutil.String("SLO_ALERT_WEBHOOK_URL", ""),
		owner:    envutil.String("SLO_ALERT_OWNER", ""),
		runbook:  envutil.String("SLO_ALERT_RUNBOOK_URL", ""),
		cooldown: envutil.Duration("SLO_ALERT_MIN_INTERVAL_SECONDS", 15*time.Minute),
		warnAt:   envutil.Float("SLO_ALERT_BURN_RATE_WARN", 2),
		critAt:   envutil.Float("SLO_ALERT_BURN_RATE_CRIT", 10),
		client:   &http.Client{Timeout: 5 * time.Second},
		last:     map[string]time.Time{},
	}
}

func (a *alerter) severity(burn float64) string {
	switch {
	case burn >= a.critAt:
		return "critical"
	case burn >= a.warnAt:
		return "warning"
	default:
		return ""
	}
}

func (a *alerter) fire(log *logger.Logger, ev alertEvent) {
	if a.webhook == "" || a.owner == "" {
		return
	}
	severity := a.severity(ev.burn)
	if severity == "" {
		return
	}

	key := ev.slo + ":" + severity
	a.mu.Lock()
	if last, ok := a.last[key]; ok && time.Since(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.last[key] = time.Now()
	a.mu.Unlock()

	body, _ := json.Marshal(map[string]any{
		"title":                  "SLO burn rate alert",
		"severity":               severity,
		"owner":                  a.owner,
		"slo":                    ev.slo,
		"window":                 ev.window,
		"sli":                    ev.sli,
		"target":                 ev.target,
		"burn_rate":              ev.burn,
		"error_budget_remaining": ev.budget,
		"runbook":                a.runbook,
		"timestamp":              time.Now().UTC().Format(time.RFC3339),
	})
	resp, err := a.client.Post(a.webhook, "application/json", bytes.NewReader(body))
	if err != nil {
		if log != nil {
			log.Warn("slo alert post failed", "error", err, "slo", ev.slo)
		}
		return
	}
	_ = resp.Body.Close()
	if log != nil {
		log.Info("slo alert sent", "slo", ev.slo, "severity", severity, "status", resp.StatusCode)
	}
}

// ---- helpers ----

func windowLabel(w time.Duration) string {
	day := 24 * time.Hour
	switch {
	case w >= day && w%day == 0:
		return fmt.Sprintf("%dd", w/day)
	case w >= time.Hour:
		return fmt.Sprintf("%dh", int(w.Hours()))
	default:
		return fmt.Sprintf("%dm", int(w.Minutes()))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
