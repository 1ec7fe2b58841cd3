package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// Event names the chat stream emits. Within one stream the order is:
// reasoning events first (deep mode only), then sources/media, deltas in
// LLM order, follow_up, usage, and done last. A terminal error replaces
// everything after the point of failure.
type Event string

const (
	EventReasoningStep Event = "reasoning_step"
	EventSubQuery      Event = "sub_query"
	EventSources       Event = "sources"
	EventMedia         Event = "media"
	EventDelta         Event = "delta"
	EventFollowUp      Event = "follow_up"
	EventUsage         Event = "usage"
	EventDone          Event = "done"
	EventError         Event = "error"
)

// Stream writes typed events to one client as data-only SSE frames
// (`data: <json>\n\n`, the event name inside the JSON as "type"). Writes
// are serialized; any write after Done or Error is dropped.
type Stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	log     *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewStream prepares w for server-sent events and flushes the headers so
// proxies start forwarding immediately. Fails when the writer cannot flush.
func NewStream(w http.ResponseWriter, log *logger.Logger) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	flusher.Flush()

	return &Stream{
		w:       w,
		flusher: flusher,
		log:     log.With("component", "SSEStream"),
	}, nil
}

// Send marshals one event frame and flushes it. fields must not contain a
// "type" key; the event name claims it.
func (s *Stream) Send(event Event, fields map[string]any) error {
	frame := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = string(event)

	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("sse marshal failed", "event", string(event), "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	if event == EventDone || event == EventError {
		s.closed = true
	}
	observability.Current().ObserveSSEEvent(string(event))
	return nil
}

// ReasoningStep and SubQuery satisfy the deep reasoner's progress interface;
// emission failures surface on the next delta, so both drop the error.
func (s *Stream) ReasoningStep(step int, description string) {
	_ = s.Send(EventReasoningStep, map[string]any{"step": step, "description": description})
}

func (s *Stream) SubQuery(query string, index, total int) {
	_ = s.Send(EventSubQuery, map[string]any{"query": query, "index": index, "total": total})
}

func (s *Stream) Sources(refs []domain.SourceReference) error {
	if refs == nil {
		refs = []domain.SourceReference{}
	}
	return s.Send(EventSources, map[string]any{"sources": refs})
}

func (s *Stream) Media(items []domain.MediaItem) error {
	return s.Send(EventMedia, map[string]any{"media": items})
}

func (s *Stream) Delta(content string) error {
	return s.Send(EventDelta, map[string]any{"content": content})
}

func (s *Stream) FollowUps(questions []domain.FollowUpQuestion) error {
	return s.Send(EventFollowUp, map[string]any{"questions": questions})
}

func (s *Stream) Usage(u domain.TokenUsage) error {
	return s.Send(EventUsage, map[string]any{"usage": u})
}

// Done closes the stream. fields carry response metadata (session id,
// message id, confidence).
func (s *Stream) Done(fields map[string]any) error {
	return s.Send(EventDone, fields)
}

// Error emits a terminal error frame and closes the stream.
func (s *Stream) Error(code, message string) error {
	return s.Send(EventError, map[string]any{"code": code, "message": message})
}

// Closed reports whether a terminal event was sent or a write failed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
