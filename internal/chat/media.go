package chat

import (
	"regexp"
	"strings"

	"github.com/yungbote/ragbridge-backend/internal/domain"
)

const mediaDescriptionRunes = 160

var figureLineRe = regexp.MustCompile(`(?i)\b(?:figure|fig\.)\s*[0-9]*`)

// ExtractMedia scans retrieved chunks for tables, figures, and
// metadata-declared images. Items deduplicate by (type, document_id,
// description).
func ExtractMedia(hits []domain.Hit) []domain.MediaItem {
	type mediaKey struct {
		typ, doc, desc string
	}
	seen := map[mediaKey]bool{}
	var out []domain.MediaItem

	add := func(item domain.MediaItem) {
		item.Description = strings.TrimSpace(item.Description)
		if item.Description == "" {
			return
		}
		k := mediaKey{typ: item.Type, doc: item.DocumentID, desc: item.Description}
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, item)
	}

	for _, h := range hits {
		docID := h.Document.ID
		content := h.Content
		if h.ExpandedContent != "" {
			content = h.ExpandedContent
		}
		lines := strings.Split(content, "\n")

		for i, line := range lines {
			if isTableSeparator(line) && i > 0 && strings.Contains(lines[i-1], "|") {
				add(domain.MediaItem{
					Type:        domain.MediaTable,
					DocumentID:  docID,
					Description: tableDescription(lines, i),
					Reference:   strings.TrimSpace(lines[i-1]),
				})
			}
			if loc := figureLineRe.FindStringIndex(line); loc != nil {
				add(domain.MediaItem{
					Type:        domain.MediaFigure,
					DocumentID:  docID,
					Description: truncateRunes(strings.TrimSpace(line[loc[0]:]), mediaDescriptionRunes),
				})
			}
		}

		for _, img := range metadataImages(h.Metadata) {
			add(domain.MediaItem{Type: domain.MediaImage, DocumentID: docID, Description: img, Reference: img})
		}
		for _, img := range metadataImages(h.ChunkMetadata) {
			add(domain.MediaItem{Type: domain.MediaImage, DocumentID: docID, Description: img, Reference: img})
		}
	}
	return out
}

// isTableSeparator matches the markdown header separator row (|---|---|).
func isTableSeparator(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "|") || !strings.Contains(line, "---") {
		return false
	}
	for _, r := range line {
		switch r {
		case '|', '-', ':', ' ', '\t':
		default:
			return false
		}
	}
	return true
}

// tableDescription prefers a short caption line above the header row and
// falls back to the header itself.
func tableDescription(lines []string, sepIdx int) string {
	header := strings.TrimSpace(lines[sepIdx-1])
	for j := sepIdx - 2; j >= 0; j-- {
		caption := strings.TrimSpace(lines[j])
		if caption == "" {
			continue
		}
		if strings.HasPrefix(caption, "|") {
			break
		}
		return truncateRunes(caption, mediaDescriptionRunes)
	}
	return truncateRunes("Table: "+strings.Trim(header, "| "), mediaDescriptionRunes)
}

func metadataImages(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	var out []string
	switch v := meta["images"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	if s, ok := meta["image"].(string); ok && strings.TrimSpace(s) != "" {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
