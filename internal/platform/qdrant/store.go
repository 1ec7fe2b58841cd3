package qdrant

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

// One physical Qdrant collection holds every tenant's chunk vectors; logical
// isolation rides on a namespace payload key that every upsert writes and
// every query filters on. Point ids are derived deterministically from
// (namespace, vector id) so re-upserting a chunk overwrites its point.

const (
	payloadNamespaceKey = "_rb_namespace"
	payloadVectorIDKey  = "_rb_vector_id"
)

var pointIDSpace = uuid.MustParse("8c9e6f42-51d4-4b7e-9dd1-3a0b5c2f4e17")

// Vector is one embedding plus the payload stored alongside it. The payload
// should carry whatever the query side filters on (document_id and the
// whitelisted metadata keys).
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

// VectorMatch is a query result: the caller's vector id with a similarity
// score normalized so higher is better.
type VectorMatch struct {
	ID    string
	Score float64
}

// VectorStore is the dense-index surface shared by chunk search and the
// ingestion collaborator. Namespaces partition the physical collection by
// (tenant, collection); DeleteNamespace is the bulk purge admin deletes use.
type VectorStore interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]VectorMatch, error)
	DeleteIDs(ctx context.Context, namespace string, ids []string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

type store struct {
	log    *logger.Logger
	cfg    Config
	base   string
	prefix string
	metric string
	hc     *http.Client
}

type pointRecord struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type upsertRequest struct {
	Points []pointRecord `json:"points"`
}

type searchRequest struct {
	Vector      []float32     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	WithVector  bool          `json:"with_vector"`
	Filter      *searchFilter `json:"filter"`
}

type deleteRequest struct {
	Points []string      `json:"points,omitempty"`
	Filter *searchFilter `json:"filter,omitempty"`
}

// scoredPoint is one hit as the server returns it. The id stays raw JSON
// because Qdrant may answer with either a UUID string or an integer id.
type scoredPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// NewVectorStore connects to the configured collection and verifies its
// schema before anything is allowed to write to it.
func NewVectorStore(cfg Config, log *logger.Logger) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s := &store{
		log:    log.With("service", "QdrantVectorStore"),
		cfg:    cfg,
		base:   strings.TrimRight(cfg.URL, "/"),
		prefix: cfg.prefixOrDefault(),
		hc:     &http.Client{Timeout: 10 * time.Second},
	}

	ctx := context.Background()
	if err := s.pingReady(ctx); err != nil {
		return nil, err
	}
	if err := s.inspectCollection(ctx); err != nil {
		return nil, err
	}

	s.log.Info("qdrant vector store ready",
		"url", s.base,
		"collection", cfg.Collection,
		"namespace_prefix", s.prefix,
		"vector_dim", cfg.VectorDim,
		"distance", s.metric,
	)
	return s, nil
}

// Upsert writes vectors into the namespace. Writing the same vector id twice
// replaces the earlier point.
func (s *store) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	const op = "upsert"
	if len(vectors) == 0 {
		return nil
	}
	points, err := buildPoints(op, s.prefixedNS(namespace), s.cfg.VectorDim, vectors)
	if err != nil {
		return err
	}
	return s.call(ctx, op, http.MethodPut, s.route("/points?wait=true"), upsertRequest{Points: points}, nil)
}

func buildPoints(op, scopedNS string, dim int, vectors []Vector) ([]pointRecord, error) {
	points := make([]pointRecord, 0, len(vectors))
	for _, v := range vectors {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			return nil, failOp(op, OperationErrorValidation, nil, "vector id is required")
		}
		if len(v.Values) == 0 {
			return nil, failOp(op, OperationErrorValidation, nil, "vector %q has empty values", id)
		}
		if dim > 0 && len(v.Values) != dim {
			return nil, failOp(op, OperationErrorValidation, nil,
				"vector %q dimension mismatch: expected=%d got=%d", id, dim, len(v.Values))
		}
		payload := make(map[string]any, len(v.Metadata)+2)
		for k, val := range v.Metadata {
			payload[k] = val
		}
		payload[payloadNamespaceKey] = scopedNS
		payload[payloadVectorIDKey] = id
		points = append(points, pointRecord{
			ID:      pointUUID(scopedNS, id),
			Vector:  v.Values,
			Payload: payload,
		})
	}
	return points, nil
}

// QueryMatches returns up to topK namespace-local matches, best first. Ties
// order by id so repeated queries stay stable.
func (s *store) QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]VectorMatch, error) {
	const op = "query"
	if len(q) == 0 {
		return nil, failOp(op, OperationErrorValidation, nil, "query vector required")
	}
	if s.cfg.VectorDim > 0 && len(q) != s.cfg.VectorDim {
		return nil, failOp(op, OperationErrorValidation, nil,
			"query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(q))
	}
	if topK <= 0 {
		topK = 10
	}

	scoped, err := buildFilter(s.prefixedNS(namespace), filter)
	if err != nil {
		return nil, err
	}

	req := searchRequest{
		Vector:      q,
		Limit:       topK,
		WithPayload: true,
		Filter:      scoped,
	}
	var hits []scoredPoint
	if err := s.call(ctx, op, http.MethodPost, s.route("/points/search"), req, &hits); err != nil {
		return nil, err
	}

	matches := make([]VectorMatch, 0, len(hits))
	for _, hit := range hits {
		id := callerVectorID(hit)
		if id == "" {
			continue
		}
		matches = append(matches, VectorMatch{ID: id, Score: similarityScore(s.metric, hit.Score)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// DeleteIDs removes the points behind the given vector ids. Ids the server
// does not know are ignored.
func (s *store) DeleteIDs(ctx context.Context, namespace string, ids []string) error {
	const op = "delete"
	scopedNS := s.prefixedNS(namespace)
	targets := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		if id := strings.TrimSpace(raw); id != "" {
			targets[pointUUID(scopedNS, id)] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	points := make([]string, 0, len(targets))
	for id := range targets {
		points = append(points, id)
	}
	sort.Strings(points)
	return s.call(ctx, op, http.MethodPost, s.route("/points/delete?wait=true"), deleteRequest{Points: points}, nil)
}

// DeleteNamespace removes every point tagged with the namespace. Used when a
// collection or tenant is deleted so the dense index cannot keep serving
// chunks whose rows are gone.
func (s *store) DeleteNamespace(ctx context.Context, namespace string) error {
	const op = "delete_namespace"
	filter := &searchFilter{
		Must: []fieldCondition{eqCondition(payloadNamespaceKey, s.prefixedNS(namespace))},
	}
	return s.call(ctx, op, http.MethodPost, s.route("/points/delete?wait=true"), deleteRequest{Filter: filter}, nil)
}

// pingReady fails startup fast when Qdrant is unreachable instead of
// surfacing the first error on a live query.
func (s *store) pingReady(ctx context.Context) error {
	const op = "bootstrap_verify"
	req, err := s.newRequest(ctx, http.MethodGet, "/readyz", nil)
	if err != nil {
		return failOp(op, OperationErrorTransportFailed, err, "build ready request failed")
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return wrapTransportErr(op, "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", resp.StatusCode),
		}
	}
	return nil
}

// inspectCollection records the collection's distance metric and rejects a
// vector size that disagrees with the embedder.
func (s *store) inspectCollection(ctx context.Context) error {
	const op = "bootstrap_verify"
	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	if err := s.call(ctx, op, http.MethodGet, s.route(""), nil, &info); err != nil {
		return err
	}

	vectors := info.Config.Params.Vectors
	if vectors.Size != 0 && vectors.Size != s.cfg.VectorDim {
		return failOp(op, OperationErrorValidation, nil,
			"qdrant collection %q vector size mismatch: expected=%d actual=%d",
			s.cfg.Collection, s.cfg.VectorDim, vectors.Size)
	}
	s.metric = strings.TrimSpace(vectors.Distance)
	return nil
}

func (s *store) prefixedNS(namespace string) string {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		return s.prefix
	}
	return s.prefix + ":" + ns
}

func (s *store) route(sub string) string {
	return "/collections/" + s.cfg.Collection + sub
}

// pointUUID derives the point id for a vector. SHA1-based UUIDs keep the id
// stable across re-ingestion of the same chunk.
func pointUUID(scopedNS, vectorID string) string {
	return uuid.NewSHA1(pointIDSpace, []byte(scopedNS+"|"+vectorID)).String()
}

// callerVectorID recovers the caller's vector id from a hit. The payload copy
// is authoritative; the raw point id only comes back when a point was written
// by something other than this adapter.
func callerVectorID(hit scoredPoint) string {
	if fromPayload, ok := hit.Payload[payloadVectorIDKey].(string); ok {
		if id := strings.TrimSpace(fromPayload); id != "" {
			return id
		}
	}
	return rawPointID(hit.ID)
}

func rawPointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return strconv.FormatInt(asNumber, 10)
	}
	return strings.TrimSpace(string(raw))
}

// similarityScore maps the collection's distance metric onto a
// higher-is-better similarity. Cosine and dot already behave that way;
// distance metrics are inverted.
func similarityScore(metric string, raw float64) float64 {
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "euclid", "manhattan":
		return 1.0 / (1.0 + math.Abs(raw))
	default:
		return raw
	}
}
