package chat

import (
	"fmt"
	"strings"

	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
)

const (
	// historyLimit bounds how many stored messages one turn loads.
	historyLimit = 10

	// Follow-up turns serialize at most this many prior exchanges, each
	// message truncated to exchangeRuneLimit runes.
	maxPromptExchanges = 4
	exchangeRuneLimit  = 1000
)

// PromptInput is everything prompt assembly needs for one turn.
type PromptInput struct {
	Query             string
	Context           string
	GraphNarrative    string
	Preset            string
	SystemOverride    string
	CustomInstruction string
	IsFollowUp        bool
	History           []*domain.ChatMessage
}

// Prompt is the assembled conversation plus the numbers token accounting
// reads off it.
type Prompt struct {
	Messages      []openai.Message
	PromptTokens  int
	ContextTokens int
}

// ContextBlock renders retrieved hits into the labeled source block the
// presets refer to. Expanded content wins over the raw chunk.
func ContextBlock(hits []domain.Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := h.Document.Filename
		if label == "" {
			label = h.Document.Title
		}
		if label == "" {
			label = h.Document.ID
		}
		fmt.Fprintf(&b, "[Source %d: %s (chunk %d)]\n", i+1, label, h.ChunkIndex)
		content := h.Content
		if h.ExpandedContent != "" {
			content = h.ExpandedContent
		}
		b.WriteString(strings.TrimSpace(content))
	}
	return b.String()
}

// BuildPrompt assembles the system and user messages for one turn.
//
// The preset template carries the retrieved context inside the system
// prompt. A caller-supplied system prompt overrides the template verbatim;
// the context then moves into the user message so the override cannot lose
// it. Follow-up turns prepend a serialized previous_context block.
func (s *Service) BuildPrompt(in PromptInput) Prompt {
	contextSection := in.Context
	if in.GraphNarrative != "" {
		if contextSection != "" {
			contextSection += "\n\n"
		}
		contextSection += "Knowledge graph summary:\n" + strings.TrimSpace(in.GraphNarrative)
	}

	var system string
	var user strings.Builder

	if strings.TrimSpace(in.SystemOverride) != "" {
		system = strings.TrimSpace(in.SystemOverride)
		if contextSection != "" {
			user.WriteString("Context:\n")
			user.WriteString(contextSection)
			user.WriteString("\n\n")
		}
	} else {
		preset := PresetByName(in.Preset, s.log)
		system = preset.System
		if contextSection != "" {
			system += "\n\nContext:\n" + contextSection
		}
	}
	if ci := strings.TrimSpace(in.CustomInstruction); ci != "" {
		system += "\n\n" + ci
	}

	if in.IsFollowUp {
		if prev := previousContext(in.History); prev != "" {
			user.WriteString("previous_context:\n")
			user.WriteString(prev)
			user.WriteString("\n\n")
		}
	}
	user.WriteString(in.Query)

	msgs := []openai.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: user.String()},
	}

	promptText := system + "\n" + user.String()
	return Prompt{
		Messages:      msgs,
		PromptTokens:  openai.EstimateTokens(promptText),
		ContextTokens: openai.EstimateTokens(contextSection),
	}
}

// previousContext serializes the last exchanges of the stored history,
// oldest first. History arrives in chronological order.
func previousContext(history []*domain.ChatMessage) string {
	if len(history) == 0 {
		return ""
	}
	// An exchange is a user/assistant pair; keep the tail that fits.
	keep := maxPromptExchanges * 2
	if len(history) > keep {
		history = history[len(history)-keep:]
	}
	var b strings.Builder
	for _, msg := range history {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := "User"
		if msg.Role == domain.RoleAssistant {
			role = "Assistant"
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(truncateRunes(msg.Content, exchangeRuneLimit))
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
