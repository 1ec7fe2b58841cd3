package chat

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/domain"
)

// refNamespace seeds the synthetic ids minted for graph references that
// arrive without one. Hashing keeps the id stable across turns so clients
// can correlate.
var refNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ragbridge.graph-reference"))

// Graph references carry no retrieval score; they sit below chunk evidence
// unless a chunk ref absorbs them.
const graphReferenceScore = 0.5

// graphRefChunkIndex marks references that do not address a real chunk, so
// the dedup key never collides with chunk-sourced entries.
const graphRefChunkIndex = -1

// AssembleSources merges chunk hits and graph references into the response
// source list: dedup by (document_id, chunk_index), collapse graph refs into
// chunk refs sharing a filename, keep the higher score, sort descending.
func AssembleSources(hits []domain.Hit, graphRefs []domain.GraphReference) []domain.SourceReference {
	type refKey struct {
		doc string
		idx int
	}

	out := make([]domain.SourceReference, 0, len(hits)+len(graphRefs))
	index := make(map[refKey]int, len(hits))
	byFile := make(map[string]int, len(hits))

	place := func(ref domain.SourceReference) {
		k := refKey{doc: ref.DocumentID, idx: ref.ChunkIndex}
		if pos, ok := index[k]; ok {
			if ref.Score > out[pos].Score {
				out[pos].Score = ref.Score
			}
			return
		}
		index[k] = len(out)
		if f := fileKey(ref.Filename); f != "" {
			if _, ok := byFile[f]; !ok {
				byFile[f] = len(out)
			}
		}
		out = append(out, ref)
	}

	for _, h := range hits {
		place(domain.SourceReference{
			DocumentID: h.Document.ID,
			Title:      h.Document.Title,
			Filename:   h.Document.Filename,
			ChunkIndex: h.ChunkIndex,
			Score:      h.BestScore(),
		})
	}

	for _, gr := range graphRefs {
		ref := graphSourceRef(gr)
		if f := fileKey(ref.Filename); f != "" {
			if pos, ok := byFile[f]; ok {
				if ref.Score > out[pos].Score {
					out[pos].Score = ref.Score
				}
				continue
			}
		}
		place(ref)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// graphSourceRef projects a graph reference onto the source shape. Missing
// ids are synthesized from the file path, then the description; a reference
// with neither gets a random id and relies on the dedup pass.
func graphSourceRef(gr domain.GraphReference) domain.SourceReference {
	id := strings.TrimSpace(gr.ID)
	if id == "" {
		switch {
		case strings.TrimSpace(gr.FilePath) != "":
			id = uuid.NewSHA1(refNamespace, []byte(gr.FilePath)).String()
		case strings.TrimSpace(gr.Description) != "":
			id = uuid.NewSHA1(refNamespace, []byte(gr.Description)).String()
		default:
			id = uuid.NewString()
		}
	}

	title := strings.TrimSpace(gr.Name)
	if title == "" {
		title = truncateRunes(gr.Description, 80)
	}
	filename := ""
	if fp := strings.TrimSpace(gr.FilePath); fp != "" {
		filename = filepath.Base(fp)
	}
	return domain.SourceReference{
		DocumentID: id,
		Title:      title,
		Filename:   filename,
		ChunkIndex: graphRefChunkIndex,
		Score:      graphReferenceScore,
	}
}

func fileKey(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return ""
	}
	return strings.ToLower(filepath.Base(name))
}
