package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/domain"
)

const (
	maxFollowUps    = 3
	followUpTimeout = 5 * time.Second
)

const followUpPrompt = `Suggest follow-up questions the user might ask next, based on the conversation and the retrieved material.
Return a JSON object: {"questions": [{"question": "...", "relevance": 0.0-1.0}]}.
At most 3 questions. Only suggest questions the material can plausibly answer.`

// GenerateFollowUps asks the LLM for up to three next questions. The call is
// bounded tightly; any failure returns an empty list so the turn never
// stalls on suggestions.
func (s *Service) GenerateFollowUps(ctx context.Context, query, response string, sources []domain.SourceReference, media []domain.MediaItem) []domain.FollowUpQuestion {
	if s.llm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, followUpTimeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nAnswer:\n%s\n", query, truncateRunes(response, 4000))
	if len(sources) > 0 {
		sb.WriteString("\nSources:\n")
		for i, src := range sources {
			if i >= 8 {
				break
			}
			label := src.Title
			if label == "" {
				label = src.Filename
			}
			fmt.Fprintf(&sb, "- %s\n", label)
		}
	}
	if len(media) > 0 {
		sb.WriteString("\nMedia present:\n")
		for i, m := range media {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&sb, "- %s: %s\n", m.Type, m.Description)
		}
	}

	obj, err := s.llm.GenerateJSON(ctx, followUpPrompt, sb.String())
	if err != nil {
		s.log.Debug("follow-up generation failed", "error", err)
		return nil
	}

	raw, ok := obj["questions"].([]any)
	if !ok {
		return nil
	}
	out := make([]domain.FollowUpQuestion, 0, maxFollowUps)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q, _ := m["question"].(string)
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		relevance := 0.5
		if f, ok := m["relevance"].(float64); ok {
			relevance = f
		}
		if relevance < 0 {
			relevance = 0
		} else if relevance > 1 {
			relevance = 1
		}
		out = append(out, domain.FollowUpQuestion{Question: q, Relevance: relevance})
		if len(out) == maxFollowUps {
			break
		}
	}
	return out
}
