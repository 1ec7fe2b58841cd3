package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/judge"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
	"github.com/yungbote/ragbridge-backend/internal/retrieval"
)

// ---------- retrieval ----------

type fakeRetriever struct {
	mu    sync.Mutex
	resp  *retrieval.Response
	err   error
	calls []retrieval.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ uuid.UUID, req retrieval.Request) (*retrieval.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &retrieval.Response{Query: req.Query, Mode: req.Mode}, nil
	}
	return f.resp, nil
}

type fakeDeep struct {
	resp       *retrieval.Response
	subQueries []string
	err        error
	calls      int
}

func (f *fakeDeep) Retrieve(_ context.Context, _ uuid.UUID, req retrieval.Request, emit retrieval.ProgressEmitter) (*retrieval.Response, []string, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	if emit != nil {
		emit.ReasoningStep(1, "decomposing question")
		total := len(f.subQueries)
		for i, q := range f.subQueries {
			emit.SubQuery(q, i+1, total)
		}
		emit.ReasoningStep(2, "retrieving evidence")
		emit.ReasoningStep(3, "synthesizing")
	}
	resp := f.resp
	if resp == nil {
		resp = &retrieval.Response{Query: req.Query, Mode: req.Mode}
	}
	return resp, f.subQueries, nil
}

// ---------- judge ----------

type fakeJudge struct {
	mu sync.Mutex

	facts     *judge.FactSheet
	verdict   judge.ValidationResult
	corrected string

	preCalls      int
	validateCalls int
	correctCalls  int
}

func (f *fakeJudge) Enabled() bool { return true }

func (f *fakeJudge) PreAnalyze(_ context.Context, _ string, _ []domain.Hit) *judge.FactSheet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preCalls++
	if f.facts == nil {
		return &judge.FactSheet{}
	}
	return f.facts
}

func (f *fakeJudge) Validate(_ context.Context, _ string, _ *judge.FactSheet, _ string) judge.ValidationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	return f.verdict
}

func (f *fakeJudge) Correct(_ context.Context, response string, _ []judge.Issue, _ *judge.FactSheet) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.correctCalls++
	if f.corrected == "" {
		return response
	}
	return f.corrected
}

// ---------- llm ----------

type stubLLM struct {
	mu sync.Mutex

	deltas  []string
	jsonObj map[string]any
	err     error

	completeCalls int
	streamCalls   int
	jsonCalls     int
	lastMessages  []openai.Message
	lastOpts      openai.GenerateOptions
}

var _ openai.Client = (*stubLLM)(nil)

func (f *stubLLM) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{0.1}
	}
	return out, nil
}

func (f *stubLLM) full() string {
	var s string
	for _, d := range f.deltas {
		s += d
	}
	return s
}

func (f *stubLLM) Complete(_ context.Context, msgs []openai.Message, opts openai.GenerateOptions) (*openai.Completion, error) {
	f.mu.Lock()
	f.completeCalls++
	f.lastMessages = msgs
	f.lastOpts = opts
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &openai.Completion{Text: f.full(), FinishReason: "stop"}, nil
}

func (f *stubLLM) StreamComplete(_ context.Context, msgs []openai.Message, opts openai.GenerateOptions, onDelta func(string) error) (*openai.Completion, error) {
	f.mu.Lock()
	f.streamCalls++
	f.lastMessages = msgs
	f.lastOpts = opts
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range f.deltas {
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return nil, err
			}
		}
	}
	return &openai.Completion{Text: f.full(), FinishReason: "stop"}, nil
}

func (f *stubLLM) GenerateText(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.full(), nil
}

func (f *stubLLM) GenerateJSON(_ context.Context, _, _ string) (map[string]any, error) {
	f.mu.Lock()
	f.jsonCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.jsonObj == nil {
		return map[string]any{}, nil
	}
	return f.jsonObj, nil
}

func (f *stubLLM) Model() string { return "stub-model" }

// ---------- repos ----------

type memSessionRepo struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*domain.ChatSession
	touched  []uuid.UUID
	titleLog []string
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{rows: map[uuid.UUID]*domain.ChatSession{}}
}

func (r *memSessionRepo) Create(_ dbctx.Scope, row *domain.ChatSession) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now()
	row.CreatedAt = now
	row.LastMessageAt = now
	r.rows[row.ID] = row
	return row, nil
}

func (r *memSessionRepo) GetByID(_ dbctx.Scope, tenantID, id uuid.UUID) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (r *memSessionRepo) List(_ dbctx.Scope, tenantID uuid.UUID, _ int) ([]*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ChatSession
	for _, row := range r.rows {
		if row.TenantID == tenantID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memSessionRepo) TouchLastMessage(_ dbctx.Scope, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, id)
	if row, ok := r.rows[id]; ok {
		row.LastMessageAt = at
	}
	return nil
}

func (r *memSessionRepo) UpdateTitle(_ dbctx.Scope, id uuid.UUID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titleLog = append(r.titleLog, title)
	if row, ok := r.rows[id]; ok {
		row.Title = title
	}
	return nil
}

func (r *memSessionRepo) Delete(_ dbctx.Scope, tenantID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.TenantID != tenantID {
		return gorm.ErrRecordNotFound
	}
	delete(r.rows, id)
	return nil
}

// memMessageRepo stores messages in insertion order. failCreateAt > 0 makes
// the Nth Create call fail, simulating a write error mid-turn.
type memMessageRepo struct {
	mu           sync.Mutex
	rows         []*domain.ChatMessage
	err          error
	failCreateAt int
	createCalls  int
}

func newMemMessageRepo() *memMessageRepo { return &memMessageRepo{} }

func (r *memMessageRepo) Create(_ dbctx.Scope, rows []*domain.ChatMessage) ([]*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.err != nil {
		return nil, r.err
	}
	if r.failCreateAt > 0 && r.createCalls >= r.failCreateAt {
		return nil, fmt.Errorf("insert failed")
	}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		// monotonic timestamps keep recency deterministic in fast tests
		row.CreatedAt = time.Now().Add(time.Duration(len(r.rows)) * time.Millisecond)
		r.rows = append(r.rows, row)
	}
	return rows, nil
}

func (r *memMessageRepo) bySession(sessionID uuid.UUID) []*domain.ChatMessage {
	var out []*domain.ChatMessage
	for _, row := range r.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out
}

func (r *memMessageRepo) ListBySession(_ dbctx.Scope, sessionID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.bySession(sessionID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memMessageRepo) ListRecent(_ dbctx.Scope, sessionID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	asc := r.bySession(sessionID)
	out := make([]*domain.ChatMessage, 0, len(asc))
	for i := len(asc) - 1; i >= 0; i-- {
		out = append(out, asc[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memMessageRepo) CountBySession(_ dbctx.Scope, sessionID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.bySession(sessionID))), nil
}

func (r *memMessageRepo) DeleteBySession(_ dbctx.Scope, sessionID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*domain.ChatMessage
	var removed int64
	for _, row := range r.rows {
		if row.SessionID == sessionID {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return removed, nil
}

// ---------- emitter ----------

// eventRecorder captures the emitted event sequence. failDeltaAt > 0 makes
// the Nth delta fail, simulating a dropped client.
type eventRecorder struct {
	mu          sync.Mutex
	events      []string
	deltas      []string
	sources     []domain.SourceReference
	media       []domain.MediaItem
	followUps   []domain.FollowUpQuestion
	usage       domain.TokenUsage
	done        map[string]any
	failDeltaAt int
	deltaCount  int
}

func (r *eventRecorder) ReasoningStep(step int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("reasoning_step(%d)", step))
}

func (r *eventRecorder) SubQuery(_ string, index, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("sub_query(%d)", index))
}

func (r *eventRecorder) Sources(refs []domain.SourceReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "sources")
	r.sources = refs
	return nil
}

func (r *eventRecorder) Media(items []domain.MediaItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "media")
	r.media = items
	return nil
}

func (r *eventRecorder) Delta(content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltaCount++
	if r.failDeltaAt > 0 && r.deltaCount >= r.failDeltaAt {
		return fmt.Errorf("client gone")
	}
	r.events = append(r.events, "delta")
	r.deltas = append(r.deltas, content)
	return nil
}

func (r *eventRecorder) FollowUps(questions []domain.FollowUpQuestion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "follow_up")
	r.followUps = questions
	return nil
}

func (r *eventRecorder) Usage(u domain.TokenUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "usage")
	r.usage = u
	return nil
}

func (r *eventRecorder) Done(fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "done")
	r.done = fields
	return nil
}

func (r *eventRecorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}
