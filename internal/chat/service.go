package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/data/repos"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/judge"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
	"github.com/yungbote/ragbridge-backend/internal/retrieval"
)

// Reasoning modes accepted by the chat API.
const (
	ReasoningStandard = "standard"
	ReasoningDeep     = "deep"
)

const sessionTitleRunes = 80

// correctionPrefix separates a trailing correction from the already-streamed
// response so clients can render it distinctly.
const correctionPrefix = "\n\n---\n[Correction Applied]\n"

// RetrievalOptions tunes the retrieval leg of a chat turn. Pointer booleans
// distinguish "absent" (documented default true) from an explicit false.
type RetrievalOptions struct {
	Mode           string            `json:"mode,omitempty"`
	TopK           int               `json:"top_k,omitempty"`
	DocumentType   string            `json:"document_type,omitempty"`
	MetadataFilter map[string]string `json:"metadata_filter,omitempty"`
	Rerank         *bool             `json:"rerank,omitempty"`
	EnableGraph    *bool             `json:"enable_graph,omitempty"`
	Hierarchical   *bool             `json:"hierarchical,omitempty"`
	ExpandContext  *bool             `json:"expand_context,omitempty"`
}

// GenerationOptions tunes the LLM leg.
type GenerationOptions struct {
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// Request is one chat turn. Messages is the OpenAI-compatible form; Message
// is the legacy single-string form. Top-level model/temperature/max_tokens
// mirror GenerationOptions for older clients.
type Request struct {
	Messages []openai.Message `json:"messages,omitempty"`
	Message  string           `json:"message,omitempty"`

	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	CollectionID *uuid.UUID `json:"collection_id,omitempty"`

	Retrieval  RetrievalOptions  `json:"retrieval"`
	Generation GenerationOptions `json:"generation"`

	Model             string   `json:"model,omitempty"`
	Preset            string   `json:"preset,omitempty"`
	ReasoningMode     string   `json:"reasoning_mode,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	CustomInstruction string   `json:"custom_instruction,omitempty"`
	IsFollowUp        bool     `json:"is_follow_up,omitempty"`
	Stream            *bool    `json:"stream,omitempty"`
}

// Query returns the user's question: the newest user message, or the legacy
// field.
func (r *Request) Query() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == domain.RoleUser && strings.TrimSpace(r.Messages[i].Content) != "" {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return strings.TrimSpace(r.Message)
}

// Streaming reports the transport the client asked for; absent means SSE.
func (r *Request) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// Result is the aggregated outcome of one turn. The streaming path emits the
// same sub-structures as events; the non-streaming path returns this whole.
type Result struct {
	SessionID uuid.UUID `json:"session_id"`
	MessageID uuid.UUID `json:"message_id"`
	Response  string    `json:"response"`

	Sources   []domain.SourceReference  `json:"sources"`
	Media     []domain.MediaItem        `json:"media,omitempty"`
	FollowUps []domain.FollowUpQuestion `json:"follow_up_questions,omitempty"`

	GraphEnhanced bool     `json:"graph_enhanced"`
	GraphContext  string   `json:"graph_context,omitempty"`
	SubQueries    []string `json:"sub_queries,omitempty"`

	Confidence float64           `json:"confidence"`
	Corrected  bool              `json:"corrected"`
	Model      string            `json:"model"`
	Usage      domain.TokenUsage `json:"usage"`
}

// Emitter receives the turn's events in order. The SSE stream satisfies it;
// a nil emitter selects the aggregated (non-streaming) path.
type Emitter interface {
	ReasoningStep(step int, description string)
	SubQuery(query string, index, total int)
	Sources(refs []domain.SourceReference) error
	Media(items []domain.MediaItem) error
	Delta(content string) error
	FollowUps(questions []domain.FollowUpQuestion) error
	Usage(u domain.TokenUsage) error
	Done(fields map[string]any) error
}

type nopEmitter struct{}

func (nopEmitter) ReasoningStep(int, string)                 {}
func (nopEmitter) SubQuery(string, int, int)                 {}
func (nopEmitter) Sources([]domain.SourceReference) error    { return nil }
func (nopEmitter) Media([]domain.MediaItem) error            { return nil }
func (nopEmitter) Delta(string) error                        { return nil }
func (nopEmitter) FollowUps([]domain.FollowUpQuestion) error { return nil }
func (nopEmitter) Usage(domain.TokenUsage) error             { return nil }
func (nopEmitter) Done(map[string]any) error                 { return nil }

// Retriever is the standard retrieval seam.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID uuid.UUID, req retrieval.Request) (*retrieval.Response, error)
}

// DeepRetriever is the decompose-and-union seam for deep reasoning mode.
type DeepRetriever interface {
	Retrieve(ctx context.Context, tenantID uuid.UUID, req retrieval.Request, emit retrieval.ProgressEmitter) (*retrieval.Response, []string, error)
}

// Judge validates and corrects generated responses.
type Judge interface {
	Enabled() bool
	PreAnalyze(ctx context.Context, query string, sources []domain.Hit) *judge.FactSheet
	Validate(ctx context.Context, response string, facts *judge.FactSheet, query string) judge.ValidationResult
	Correct(ctx context.Context, response string, issues []judge.Issue, facts *judge.FactSheet) string
}

// Service drives one chat turn end to end: session bookkeeping, retrieval,
// prompt assembly, LLM generation, judge validation, follow-ups, and
// persistence, emitting events as each stage lands.
type Service struct {
	retriever Retriever
	deep      DeepRetriever
	judge     Judge
	llm       openai.Client
	sessions  repos.ChatSessionRepo
	messages  repos.ChatMessageRepo
	log       *logger.Logger
}

func New(
	retriever Retriever,
	deep DeepRetriever,
	jdg Judge,
	llm openai.Client,
	sessions repos.ChatSessionRepo,
	messages repos.ChatMessageRepo,
	log *logger.Logger,
) *Service {
	return &Service{
		retriever: retriever,
		deep:      deep,
		judge:     jdg,
		llm:       llm,
		sessions:  sessions,
		messages:  messages,
		log:       log.With("service", "ChatService"),
	}
}

// Chat runs one turn. With a non-nil emitter deltas stream as the LLM
// produces them; otherwise generation aggregates. Either way the returned
// Result carries the complete turn.
//
// Ordering: the assistant message is persisted after generation finishes and
// before usage/done are emitted, so a follow-up request always sees it. An
// emitter failure (client gone) aborts the turn without persisting. A save
// failure after generation still ends the stream with done; the request
// itself reports internal.
func (s *Service) Chat(ctx context.Context, tenantID uuid.UUID, req Request, emit Emitter) (*Result, error) {
	started := time.Now()

	if tenantID == uuid.Nil {
		return nil, apierr.Newf(apierr.KindUnauthorized, "missing_tenant", "tenant identity required")
	}
	query := req.Query()
	if query == "" {
		return nil, apierr.Newf(apierr.KindBadRequest, "missing_message", "message or messages required")
	}

	streaming := emit != nil
	if emit == nil {
		emit = nopEmitter{}
	}

	dbc := dbctx.Scope{Ctx: ctx}

	sess, created, err := s.loadOrCreateSession(dbc, tenantID, req, query)
	if err != nil {
		return nil, err
	}

	userMsg := &domain.ChatMessage{SessionID: sess.ID, Role: domain.RoleUser, Content: query}
	if _, err := s.messages.Create(dbc, []*domain.ChatMessage{userMsg}); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	history := s.loadHistory(dbc, sess.ID, userMsg.ID, query)

	resp, subQueries, err := s.retrieve(ctx, tenantID, req, query, emit)
	if err != nil {
		return nil, err
	}

	sources := AssembleSources(resp.Results, resp.GraphReferences)
	if err := emit.Sources(sources); err != nil {
		return nil, fmt.Errorf("emit sources: %w", err)
	}
	media := ExtractMedia(resp.Results)
	if len(media) > 0 {
		if err := emit.Media(media); err != nil {
			return nil, fmt.Errorf("emit media: %w", err)
		}
	}

	// Pre-analysis overlaps LLM generation; the buffered channel lets the
	// goroutine finish even if the turn aborts first.
	factsCh := make(chan *judge.FactSheet, 1)
	go func() {
		factsCh <- s.judge.PreAnalyze(ctx, query, resp.Results)
	}()

	prompt := s.BuildPrompt(PromptInput{
		Query:             query,
		Context:           ContextBlock(resp.Results),
		GraphNarrative:    resp.GraphContext,
		Preset:            req.Preset,
		SystemOverride:    req.Generation.SystemPrompt,
		CustomInstruction: req.CustomInstruction,
		IsFollowUp:        req.IsFollowUp,
		History:           history,
	})

	opts := s.generateOptions(req)
	var completion *openai.Completion
	if streaming {
		completion, err = s.llm.StreamComplete(ctx, prompt.Messages, opts, func(delta string) error {
			return emit.Delta(delta)
		})
	} else {
		completion, err = s.llm.Complete(ctx, prompt.Messages, opts)
	}
	if err != nil {
		return nil, apierr.New(classifyLLMErr(err), "generation_failed", err)
	}
	response := completion.Text

	facts := <-factsCh
	verdict := s.judge.Validate(ctx, response, facts, query)
	corrected := false
	if verdict.NeedsCorrection {
		fixed := s.judge.Correct(ctx, response, verdict.Issues, facts)
		if fixed != response {
			corrected = true
			if err := emit.Delta(correctionPrefix + fixed); err != nil {
				return nil, fmt.Errorf("emit correction: %w", err)
			}
			response = fixed
		}
	}

	followUps := s.GenerateFollowUps(ctx, query, response, sources, media)
	if len(followUps) > 0 {
		if err := emit.FollowUps(followUps); err != nil {
			return nil, fmt.Errorf("emit follow-ups: %w", err)
		}
	}

	modelName := opts.Model
	if modelName == "" && s.llm != nil {
		modelName = s.llm.Model()
	}

	usage := domain.TokenUsage{
		Prompt:     prompt.PromptTokens,
		Completion: openai.EstimateTokens(response),
		Retrieval:  prompt.ContextTokens,
	}
	usage.Total = usage.Prompt + usage.Completion

	doneFields := map[string]any{
		"session_id":     sess.ID.String(),
		"confidence":     verdict.Confidence,
		"corrected":      corrected,
		"graph_enhanced": resp.GraphEnhanced,
		"model":          modelName,
	}
	if created {
		doneFields["session_created"] = true
	}

	asstMsg, err := s.saveAssistantMessage(dbc, sess.ID, response, resp, verdict, corrected, modelName, req, subQueries)
	if err != nil {
		// The full answer already reached the client. Close the stream as
		// done (no message_id) and surface the failure on the request itself
		// rather than a terminal error event.
		s.log.Error("assistant message save failed", "session_id", sess.ID, "error", err)
		_ = emit.Usage(usage)
		doneFields["latency_ms"] = time.Since(started).Milliseconds()
		_ = emit.Done(doneFields)
		return nil, apierr.New(apierr.KindInternal, "message_save_failed", err)
	}
	if err := s.sessions.TouchLastMessage(dbc, sess.ID, time.Now()); err != nil {
		s.log.Warn("session timestamp update failed", "session_id", sess.ID, "error", err)
	}

	if err := emit.Usage(usage); err != nil {
		return nil, fmt.Errorf("emit usage: %w", err)
	}

	doneFields["message_id"] = asstMsg.ID.String()
	doneFields["latency_ms"] = time.Since(started).Milliseconds()
	if err := emit.Done(doneFields); err != nil {
		return nil, fmt.Errorf("emit done: %w", err)
	}

	s.log.Info("chat turn complete",
		"session_id", sess.ID,
		"reasoning_mode", reasoningMode(req),
		"sources", len(sources),
		"corrected", corrected,
		"confidence", verdict.Confidence,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return &Result{
		SessionID:     sess.ID,
		MessageID:     asstMsg.ID,
		Response:      response,
		Sources:       sources,
		Media:         media,
		FollowUps:     followUps,
		GraphEnhanced: resp.GraphEnhanced,
		GraphContext:  resp.GraphContext,
		SubQueries:    subQueries,
		Confidence:    verdict.Confidence,
		Corrected:     corrected,
		Model:         modelName,
		Usage:         usage,
	}, nil
}

func (s *Service) loadOrCreateSession(dbc dbctx.Scope, tenantID uuid.UUID, req Request, query string) (*domain.ChatSession, bool, error) {
	if req.SessionID != nil && *req.SessionID != uuid.Nil {
		sess, err := s.sessions.GetByID(dbc, tenantID, *req.SessionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, apierr.Newf(apierr.KindNotFound, "session_not_found", "chat session %s not found", req.SessionID)
			}
			return nil, false, fmt.Errorf("load session: %w", err)
		}
		return sess, false, nil
	}

	sess := &domain.ChatSession{
		TenantID:     tenantID,
		CollectionID: req.CollectionID,
		Title:        truncateRunes(query, sessionTitleRunes),
	}
	sess, err := s.sessions.Create(dbc, sess)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return sess, true, nil
}

// loadHistory returns the prior conversation in chronological order with the
// just-saved user message removed. History failures degrade to an empty
// slate rather than failing the turn.
func (s *Service) loadHistory(dbc dbctx.Scope, sessionID, currentID uuid.UUID, query string) []*domain.ChatMessage {
	recent, err := s.messages.ListRecent(dbc, sessionID, historyLimit+1)
	if err != nil {
		s.log.Warn("history load failed", "session_id", sessionID, "error", err)
		return nil
	}
	out := make([]*domain.ChatMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		if msg == nil {
			continue
		}
		if msg.ID == currentID || (i == 0 && msg.Role == domain.RoleUser && msg.Content == query) {
			continue
		}
		out = append(out, msg)
	}
	if len(out) > historyLimit {
		out = out[len(out)-historyLimit:]
	}
	return out
}

func reasoningMode(req Request) string {
	if strings.EqualFold(strings.TrimSpace(req.ReasoningMode), ReasoningDeep) {
		return ReasoningDeep
	}
	return ReasoningStandard
}

func (s *Service) retrieve(ctx context.Context, tenantID uuid.UUID, req Request, query string, emit Emitter) (*retrieval.Response, []string, error) {
	rreq := s.retrievalRequest(req, query)
	if reasoningMode(req) == ReasoningDeep && s.deep != nil {
		return s.deep.Retrieve(ctx, tenantID, rreq, emit)
	}
	resp, err := s.retriever.Retrieve(ctx, tenantID, rreq)
	return resp, nil, err
}

// retrievalRequest resolves the documented defaults: hybrid mode, top_k 10,
// rerank/graph/hierarchical/expansion all on unless the caller disables them.
func (s *Service) retrievalRequest(req Request, query string) retrieval.Request {
	opt := req.Retrieval
	mode := strings.TrimSpace(opt.Mode)
	if mode == "" {
		mode = domain.ModeHybrid
	}
	topK := opt.TopK
	if topK <= 0 {
		topK = 10
	}
	return retrieval.Request{
		Query:          query,
		Mode:           mode,
		TopK:           topK,
		CollectionID:   req.CollectionID,
		DocumentType:   opt.DocumentType,
		MetadataFilter: opt.MetadataFilter,
		Rerank:         boolOr(opt.Rerank, true),
		EnableGraph:    boolOr(opt.EnableGraph, true),
		Hierarchical:   boolOr(opt.Hierarchical, true),
		ExpandContext:  boolOr(opt.ExpandContext, true),
	}
}

func (s *Service) generateOptions(req Request) openai.GenerateOptions {
	opts := openai.GenerateOptions{
		Model:       strings.TrimSpace(req.Generation.Model),
		Temperature: req.Generation.Temperature,
		MaxTokens:   req.Generation.MaxTokens,
	}
	if m := strings.TrimSpace(req.Model); m != "" {
		opts.Model = m
	}
	if req.Temperature != nil {
		opts.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts.MaxTokens = req.MaxTokens
	}
	return opts
}

func (s *Service) saveAssistantMessage(
	dbc dbctx.Scope,
	sessionID uuid.UUID,
	response string,
	resp *retrieval.Response,
	verdict judge.ValidationResult,
	corrected bool,
	modelName string,
	req Request,
	subQueries []string,
) (*domain.ChatMessage, error) {
	chunkIDs := make([]string, 0, len(resp.Results))
	for _, h := range resp.Results {
		if h.ChunkID != "" {
			chunkIDs = append(chunkIDs, h.ChunkID)
		}
	}
	chunkJSON, err := json.Marshal(chunkIDs)
	if err != nil {
		chunkJSON = []byte("[]")
	}

	meta := map[string]any{
		"model":          modelName,
		"preset":         strings.ToLower(strings.TrimSpace(req.Preset)),
		"reasoning_mode": reasoningMode(req),
		"confidence":     verdict.Confidence,
		"corrected":      corrected,
		"graph_enhanced": resp.GraphEnhanced,
	}
	if len(subQueries) > 0 {
		meta["sub_queries"] = subQueries
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	msg := &domain.ChatMessage{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   response,
		ChunkIDs:  chunkJSON,
		Metadata:  metaJSON,
	}
	if _, err := s.messages.Create(dbc, []*domain.ChatMessage{msg}); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	return msg, nil
}

func classifyLLMErr(err error) apierr.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.KindUpstreamTimeout
	case errors.Is(err, context.Canceled):
		return apierr.KindUpstreamUnavailable
	default:
		return apierr.KindUpstreamUnavailable
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
