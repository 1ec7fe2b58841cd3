package judge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
)

// Issue types the validator may report. Anything outside this vocabulary is
// dropped during parsing.
const (
	IssueFabricatedGap     = "fabricated_gap"
	IssueHallucination     = "hallucination"
	IssueRelevance         = "relevance"
	IssueCompleteness      = "completeness"
	IssueMissedInformation = "missed_information"
	IssueContradiction     = "contradiction"
)

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Neutral confidence levels. A failed stage reports 0.5 (no signal); a
// response with no extractable facts reports 0.7 (nothing to contradict).
const (
	neutralConfidence = 0.5
	noFactsConfidence = 0.7
)

const maxSourceChars = 7000

type Issue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Significant reports whether the issue justifies a correction pass.
func (i Issue) Significant() bool {
	return i.Severity == SeverityMedium || i.Severity == SeverityHigh
}

// FactSheet is the structured extraction from retrieved sources that
// validation checks the response against.
type FactSheet struct {
	Dates            []string `json:"dates,omitempty"`
	Names            []string `json:"names,omitempty"`
	Numbers          []string `json:"numbers,omitempty"`
	Claims           []string `json:"claims,omitempty"`
	Responsibilities []string `json:"responsibilities,omitempty"`
}

func (f *FactSheet) Empty() bool {
	return f == nil ||
		len(f.Dates)+len(f.Names)+len(f.Numbers)+len(f.Claims)+len(f.Responsibilities) == 0
}

type ValidationResult struct {
	Issues          []Issue `json:"issues,omitempty"`
	Confidence      float64 `json:"confidence"`
	Relevance       float64 `json:"relevance"`
	Completeness    float64 `json:"completeness"`
	NeedsCorrection bool    `json:"needs_correction"`
}

// SignificantIssues filters to the issues worth correcting.
func (v ValidationResult) SignificantIssues() []Issue {
	var out []Issue
	for _, issue := range v.Issues {
		if issue.Significant() {
			out = append(out, issue)
		}
	}
	return out
}

// Service checks generated responses against their retrieved context. Every
// stage is one bounded LLM call; a stage that fails yields a neutral outcome
// rather than an error, so the chat flow never blocks on the judge.
type Service struct {
	llm     openai.Client
	log     *logger.Logger
	timeout time.Duration
	enabled bool
}

func New(llm openai.Client, cfg config.JudgeConfig, log *logger.Logger) *Service {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Service{
		llm:     openai.WithModel(llm, cfg.Model),
		log:     log.With("service", "Judge"),
		timeout: timeout,
		enabled: cfg.Enabled && llm != nil,
	}
}

func (s *Service) Enabled() bool { return s != nil && s.enabled }

const preAnalyzePrompt = `You extract verifiable facts from reference material so an answer can be checked against them.
Return a JSON object with string arrays: "dates", "names", "numbers", "claims", "responsibilities".
Only include facts stated in the material. Keep each entry short. Empty arrays are fine.`

// PreAnalyze builds a fact sheet from the retrieved sources. Never fails:
// errors and timeouts produce an empty sheet, which downgrades validation
// instead of blocking generation.
func (s *Service) PreAnalyze(ctx context.Context, query string, sources []domain.Hit) *FactSheet {
	if !s.Enabled() || len(sources) == 0 {
		return &FactSheet{}
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user := fmt.Sprintf("Question: %s\n\nReference material:\n%s", query, sourceBlock(sources))
	obj, err := s.llm.GenerateJSON(ctx, preAnalyzePrompt, user)
	if err != nil {
		observability.Current().ObserveJudge("pre_analyze", "error", time.Since(started))
		s.log.Warn("pre-analysis failed", "error", err)
		return &FactSheet{}
	}

	sheet := &FactSheet{
		Dates:            stringList(obj["dates"]),
		Names:            stringList(obj["names"]),
		Numbers:          stringList(obj["numbers"]),
		Claims:           stringList(obj["claims"]),
		Responsibilities: stringList(obj["responsibilities"]),
	}
	observability.Current().ObserveJudge("pre_analyze", "ok", time.Since(started))
	return sheet
}

const validatePrompt = `You audit an answer against a fact sheet extracted from the reference material.
Look for these defects: fabricated_gap (claims the material lacks information it has), hallucination (facts not in the material), relevance (does not address the question), completeness (omits key facts), missed_information (ignores directly relevant facts), contradiction (internally inconsistent).
Return a JSON object:
{"issues": [{"type": "...", "severity": "low|medium|high", "description": "...", "suggestion": "..."}],
 "confidence": 0-1, "relevance": 0-1, "completeness": 0-1, "needs_correction": true|false}`

// Validate scores the response against the fact sheet. An empty sheet skips
// the call; failures return the neutral result.
func (s *Service) Validate(ctx context.Context, response string, facts *FactSheet, query string) ValidationResult {
	if !s.Enabled() {
		return ValidationResult{Confidence: neutralConfidence}
	}
	if facts.Empty() {
		return ValidationResult{Confidence: noFactsConfidence}
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user := fmt.Sprintf("Question: %s\n\nFact sheet:\n%s\nAnswer to audit:\n%s",
		query, factBlock(facts), response)
	obj, err := s.llm.GenerateJSON(ctx, validatePrompt, user)
	if err != nil {
		observability.Current().ObserveJudge("validate", "error", time.Since(started))
		s.log.Warn("validation failed, returning neutral result", "error", err)
		return ValidationResult{Confidence: neutralConfidence}
	}

	result := ValidationResult{
		Issues:       parseIssues(obj["issues"]),
		Confidence:   clamp01(number(obj["confidence"], neutralConfidence)),
		Relevance:    clamp01(number(obj["relevance"], 0)),
		Completeness: clamp01(number(obj["completeness"], 0)),
	}
	if v, ok := obj["needs_correction"].(bool); ok {
		result.NeedsCorrection = v
	}
	// A correction without a significant issue has nothing to act on.
	if len(result.SignificantIssues()) == 0 {
		result.NeedsCorrection = false
	}
	observability.Current().ObserveJudge("validate", "ok", time.Since(started))
	return result
}

const correctPrompt = `You fix specific issues in an answer using the fact sheet.
Make minimal surgical edits: change only what the issues identify, keep the structure, tone, and formatting.
Reply with the corrected answer only.`

// Correct rewrites the response to fix the significant issues. The input is
// returned unchanged when there is nothing to fix or the stage fails.
func (s *Service) Correct(ctx context.Context, response string, issues []Issue, facts *FactSheet) string {
	if !s.Enabled() {
		return response
	}
	significant := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.Significant() {
			significant = append(significant, issue)
		}
	}
	if len(significant) == 0 {
		return response
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Issues to fix:\n")
	for _, issue := range significant {
		fmt.Fprintf(&sb, "- [%s/%s] %s", issue.Type, issue.Severity, issue.Description)
		if issue.Suggestion != "" {
			fmt.Fprintf(&sb, " (suggestion: %s)", issue.Suggestion)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nFact sheet:\n")
	sb.WriteString(factBlock(facts))
	sb.WriteString("\nAnswer to correct:\n")
	sb.WriteString(response)

	corrected, err := s.llm.GenerateText(ctx, correctPrompt, sb.String())
	if err != nil {
		observability.Current().ObserveJudge("correct", "error", time.Since(started))
		s.log.Warn("correction failed, keeping original response", "error", err)
		return response
	}
	corrected = strings.TrimSpace(corrected)
	if corrected == "" {
		observability.Current().ObserveJudge("correct", "error", time.Since(started))
		return response
	}
	observability.Current().ObserveJudge("correct", "ok", time.Since(started))
	return corrected
}

func sourceBlock(sources []domain.Hit) string {
	var sb strings.Builder
	for i, src := range sources {
		content := src.Content
		if src.ExpandedContent != "" {
			content = src.ExpandedContent
		}
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, strings.TrimSpace(content))
		if sb.Len() > maxSourceChars {
			break
		}
	}
	return sb.String()
}

func factBlock(facts *FactSheet) string {
	if facts.Empty() {
		return "(none)\n"
	}
	var sb strings.Builder
	writeFacts := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, strings.Join(items, "; "))
	}
	writeFacts("Dates", facts.Dates)
	writeFacts("Names", facts.Names)
	writeFacts("Numbers", facts.Numbers)
	writeFacts("Claims", facts.Claims)
	writeFacts("Responsibilities", facts.Responsibilities)
	return sb.String()
}

func parseIssues(v any) []Issue {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Issue
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		issue := Issue{
			Type:        strings.ToLower(strings.TrimSpace(str(m["type"]))),
			Severity:    strings.ToLower(strings.TrimSpace(str(m["severity"]))),
			Description: strings.TrimSpace(str(m["description"])),
			Suggestion:  strings.TrimSpace(str(m["suggestion"])),
		}
		if !knownIssueType(issue.Type) {
			continue
		}
		switch issue.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			issue.Severity = SeverityLow
		}
		out = append(out, issue)
	}
	return out
}

func knownIssueType(t string) bool {
	switch t {
	case IssueFabricatedGap, IssueHallucination, IssueRelevance,
		IssueCompleteness, IssueMissedInformation, IssueContradiction:
		return true
	}
	return false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func number(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return fallback
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
