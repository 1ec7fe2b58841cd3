package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/yungbote/ragbridge-backend/internal/platform/openai"
)

// Extraction shapes returned by the LLM. Names are normalized to a lowercase
// key before they hit Neo4j so the same entity merges across documents.

type extractedEntity struct {
	Name        string
	Type        string
	Description string
}

type extractedRelation struct {
	Source      string
	Target      string
	Description string
	Keywords    string
	Weight      float64
}

type extraction struct {
	Entities  []extractedEntity
	Relations []extractedRelation
}

const extractSystemPrompt = `You extract a knowledge graph from text.
Return a JSON object with two arrays:
"entities": [{"name": "...", "type": "...", "description": "..."}]
"relations": [{"source": "...", "target": "...", "description": "...", "keywords": "...", "strength": 1-10}]
Entity types: person, organization, location, event, concept, product, other.
Relation source/target must be entity names from the entities array.
Keep descriptions to one sentence. Extract at most 15 entities and 15 relations.`

// extractGraph asks the model for entities and relations in one chunk of
// text. Malformed items are skipped rather than failing the whole chunk.
func extractGraph(ctx context.Context, llm openai.Client, text string) (*extraction, error) {
	obj, err := llm.GenerateJSON(ctx, extractSystemPrompt, "Text:\n\n"+text)
	if err != nil {
		return nil, fmt.Errorf("graph extract: %w", err)
	}

	out := &extraction{}
	if raw, ok := obj["entities"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			e := extractedEntity{
				Name:        strings.TrimSpace(stringField(m, "name")),
				Type:        strings.ToLower(strings.TrimSpace(stringField(m, "type"))),
				Description: strings.TrimSpace(stringField(m, "description")),
			}
			if e.Name == "" {
				continue
			}
			if e.Type == "" {
				e.Type = "other"
			}
			out.Entities = append(out.Entities, e)
		}
	}
	if raw, ok := obj["relations"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			r := extractedRelation{
				Source:      strings.TrimSpace(stringField(m, "source")),
				Target:      strings.TrimSpace(stringField(m, "target")),
				Description: strings.TrimSpace(stringField(m, "description")),
				Keywords:    strings.TrimSpace(stringField(m, "keywords")),
				Weight:      numberField(m, "strength"),
			}
			if r.Source == "" || r.Target == "" {
				continue
			}
			if r.Weight <= 0 {
				r.Weight = 1
			}
			if r.Weight > 10 {
				r.Weight = 10
			}
			out.Relations = append(out.Relations, r)
		}
	}
	return out, nil
}

const keywordSystemPrompt = `You extract search keywords from a question.
Return a JSON object:
"high_level": [themes or concepts the question is about]
"low_level": [specific entities, names, or terms mentioned]
At most 5 keywords per array.`

// queryKeywords asks the model for high/low level keywords. On any failure
// it falls back to naive tokenization so graph queries still run.
func queryKeywords(ctx context.Context, llm openai.Client, query string) (high, low []string) {
	obj, err := llm.GenerateJSON(ctx, keywordSystemPrompt, "Question: "+query)
	if err == nil {
		high = stringSlice(obj["high_level"])
		low = stringSlice(obj["low_level"])
	}
	if len(high) == 0 && len(low) == 0 {
		low = tokenizeTerms(query, 8)
	}
	return high, low
}

// tokenizeTerms lowercases, strips punctuation, drops stopwords and short
// tokens, and returns at most max distinct terms in first-seen order.
func tokenizeTerms(s string, max int) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	out := make([]string, 0, max)
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) >= max {
			break
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"with": true, "that": true, "this": true, "from": true, "what": true,
	"when": true, "where": true, "which": true, "how": true, "who": true,
	"why": true, "does": true, "did": true, "has": true, "have": true,
	"about": true, "into": true, "their": true, "them": true, "they": true,
	"its": true, "his": true, "her": true, "can": true, "will": true,
}

func normalizeEntityKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// splitContent breaks document content into graph chunks of roughly
// maxRunes with a fixed overlap, preferring paragraph then sentence
// boundaries. Indexes are positional within the document.
func splitContent(content string, maxRunes, overlap int) []string {
	if maxRunes <= 0 {
		maxRunes = 4800
	}
	if overlap < 0 || overlap >= maxRunes {
		overlap = maxRunes / 8
	}
	runes := []rune(strings.TrimSpace(content))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= maxRunes {
		return []string{string(runes)}
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + maxRunes
		if end >= len(runes) {
			out = append(out, strings.TrimSpace(string(runes[start:])))
			break
		}
		cut := boundaryBefore(runes, start, end)
		out = append(out, strings.TrimSpace(string(runes[start:cut])))
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}

	// Drop empties produced by aggressive trimming.
	filtered := out[:0]
	for _, c := range out {
		if c != "" {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// boundaryBefore finds the best split point at or before end: a blank line,
// then a sentence end, then a space, else the hard cut.
func boundaryBefore(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end; i > floor; i-- {
		if i >= 2 && runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		r := runes[i-1]
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func numberField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%f", &f); err == nil {
			return f
		}
	}
	return 0
}

func stringSlice(v any) []string {
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

// topKeysByScore returns up to k keys sorted by descending score, ties by
// key for determinism.
func topKeysByScore(scores map[string]float64, k int) []string {
	keys := make([]string, 0, len(scores))
	for key := range scores {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		si, sj := scores[keys[i]], scores[keys[j]]
		if si != sj {
			return si > sj
		}
		return keys[i] < keys[j]
	})
	if len(keys) > k {
		keys = keys[:k]
	}
	return keys
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
