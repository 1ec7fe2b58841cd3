package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Every node and relationship carries tenant_id and collection_id and every
// query filters on both. Nothing in this file may issue a Cypher statement
// without scope parameters.

type scope struct {
	TenantID     string
	CollectionID string
}

type entityRow struct {
	Key         string
	Name        string
	Type        string
	Description string
	DocID       string
	FilePath    string
}

type relationRow struct {
	SourceKey   string
	TargetKey   string
	Description string
	Keywords    string
	Weight      float64
	DocID       string
}

type chunkRow struct {
	Key        string
	DocID      string
	ChunkIndex int
	Content    string
	FilePath   string
	Title      string
	Embedding  []float32
	Mentions   []string
}

type entityHit struct {
	Key          string
	Name         string
	Type         string
	Description  string
	FilePath     string
	MentionCount int64
}

type relationHit struct {
	SourceName  string
	TargetName  string
	Description string
	Keywords    string
	Weight      float64
	Degree      int64
}

type chunkHit struct {
	Key        string
	DocID      string
	ChunkIndex int64
	Content    string
	FilePath   string
	Title      string
	Score      float64
}

func upsertGraph(ctx context.Context, client *Neo4jClient, sc scope, chunks []chunkRow, entities []entityRow, relations []relationRow) error {
	if client == nil || client.Driver == nil {
		return fmt.Errorf("graph: neo4j unavailable")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	entityParams := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		if e.Key == "" {
			continue
		}
		entityParams = append(entityParams, map[string]any{
			"key":         e.Key,
			"name":        e.Name,
			"type":        e.Type,
			"description": truncateString(e.Description, 900),
			"doc_id":      e.DocID,
			"file_path":   e.FilePath,
			"synced_at":   now,
		})
	}

	relationParams := make([]map[string]any, 0, len(relations))
	for _, r := range relations {
		if r.SourceKey == "" || r.TargetKey == "" || r.SourceKey == r.TargetKey {
			continue
		}
		relationParams = append(relationParams, map[string]any{
			"source":      r.SourceKey,
			"target":      r.TargetKey,
			"description": truncateString(r.Description, 900),
			"keywords":    truncateString(r.Keywords, 300),
			"weight":      r.Weight,
			"doc_id":      r.DocID,
			"synced_at":   now,
		})
	}

	chunkParams := make([]map[string]any, 0, len(chunks))
	for _, ch := range chunks {
		if ch.Key == "" {
			continue
		}
		row := map[string]any{
			"key":         ch.Key,
			"doc_id":      ch.DocID,
			"chunk_index": ch.ChunkIndex,
			"content":     truncateString(ch.Content, 8000),
			"file_path":   ch.FilePath,
			"title":       ch.Title,
			"mentions":    ch.Mentions,
			"synced_at":   now,
		}
		if len(ch.Embedding) > 0 {
			emb := make([]float64, len(ch.Embedding))
			for i, v := range ch.Embedding {
				emb[i] = float64(v)
			}
			row["embedding"] = emb
		}
		chunkParams = append(chunkParams, row)
	}

	session := client.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(entityParams) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $entities AS e
MERGE (n:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id, key: e.key})
ON CREATE SET n.name = e.name,
              n.type = e.type,
              n.description = e.description,
              n.file_path = e.file_path,
              n.mention_count = 1
ON MATCH SET n.mention_count = coalesce(n.mention_count, 0) + 1,
             n.description = CASE
               WHEN size(coalesce(n.description, '')) < size(e.description) THEN e.description
               ELSE n.description END
SET n.doc_id = e.doc_id,
    n.synced_at = e.synced_at
`, map[string]any{"entities": entityParams, "tenant_id": sc.TenantID, "collection_id": sc.CollectionID})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}

		if len(relationParams) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $relations AS r
MERGE (a:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id, key: r.source})
ON CREATE SET a.name = r.source, a.type = 'other', a.mention_count = 1
MERGE (b:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id, key: r.target})
ON CREATE SET b.name = r.target, b.type = 'other', b.mention_count = 1
MERGE (a)-[rel:RELATED]->(b)
ON CREATE SET rel.weight = r.weight,
              rel.description = r.description,
              rel.keywords = r.keywords
ON MATCH SET rel.weight = coalesce(rel.weight, 0) + r.weight,
             rel.description = CASE
               WHEN size(coalesce(rel.description, '')) < size(r.description) THEN r.description
               ELSE rel.description END
SET rel.doc_id = r.doc_id,
    rel.synced_at = r.synced_at
`, map[string]any{"relations": relationParams, "tenant_id": sc.TenantID, "collection_id": sc.CollectionID})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}

		if len(chunkParams) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $chunks AS c
MERGE (ch:KGChunk {tenant_id: $tenant_id, collection_id: $collection_id, key: c.key})
SET ch.doc_id = c.doc_id,
    ch.chunk_index = c.chunk_index,
    ch.content = c.content,
    ch.file_path = c.file_path,
    ch.title = c.title,
    ch.synced_at = c.synced_at
FOREACH (_ IN CASE WHEN c.embedding IS NULL THEN [] ELSE [1] END |
  SET ch.embedding = c.embedding)
WITH ch, c
UNWIND c.mentions AS mention
MERGE (e:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id, key: mention})
ON CREATE SET e.name = mention, e.type = 'other', e.mention_count = 1
MERGE (ch)-[m:MENTIONS]->(e)
SET m.synced_at = c.synced_at
`, map[string]any{"chunks": chunkParams, "tenant_id": sc.TenantID, "collection_id": sc.CollectionID})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})
	return err
}

// entitiesByTerms matches query terms against entity keys and names within
// the scope. Matching is case-insensitive substring; exact key matches rank
// first via match_rank.
func entitiesByTerms(ctx context.Context, client *Neo4jClient, sc scope, terms []string, limit int) ([]entityHit, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	session := client.readSession(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `
MATCH (e:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id})
UNWIND $terms AS term
WITH e, term
WHERE toLower(e.key) = term OR toLower(e.key) CONTAINS term OR toLower(e.name) CONTAINS term
WITH e, min(CASE WHEN toLower(e.key) = term THEN 0 ELSE 1 END) AS match_rank
RETURN e.key AS key, e.name AS name, e.type AS type,
       coalesce(e.description, '') AS description,
       coalesce(e.file_path, '') AS file_path,
       coalesce(e.mention_count, 0) AS mention_count
ORDER BY match_rank ASC, mention_count DESC
LIMIT $limit
`, map[string]any{
		"tenant_id":     sc.TenantID,
		"collection_id": sc.CollectionID,
		"terms":         lowerAll(terms),
		"limit":         limit,
	})
	if err != nil {
		return nil, err
	}

	var out []entityHit
	for res.Next(ctx) {
		rec := res.Record()
		out = append(out, entityHit{
			Key:          recordString(rec, "key"),
			Name:         recordString(rec, "name"),
			Type:         recordString(rec, "type"),
			Description:  recordString(rec, "description"),
			FilePath:     recordString(rec, "file_path"),
			MentionCount: recordInt(rec, "mention_count"),
		})
	}
	return out, res.Err()
}

type neighborEdge struct {
	SourceKey   string
	NeighborKey string
	Neighbor    entityHit
	Weight      float64
	Description string
}

// expandNeighbors walks RELATED edges one hop out from the seed keys.
func expandNeighbors(ctx context.Context, client *Neo4jClient, sc scope, keys []string, limit int) ([]neighborEdge, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 60
	}

	session := client.readSession(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `
MATCH (e:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id})-[r:RELATED]-(n:KGEntity)
WHERE e.key IN $keys AND n.tenant_id = $tenant_id AND n.collection_id = $collection_id
RETURN e.key AS source_key, n.key AS neighbor_key, n.name AS neighbor_name,
       n.type AS neighbor_type,
       coalesce(n.description, '') AS neighbor_description,
       coalesce(n.file_path, '') AS neighbor_file_path,
       coalesce(n.mention_count, 0) AS neighbor_mentions,
       coalesce(r.weight, 1.0) AS weight,
       coalesce(r.description, '') AS description
ORDER BY weight DESC
LIMIT $limit
`, map[string]any{
		"tenant_id":     sc.TenantID,
		"collection_id": sc.CollectionID,
		"keys":          keys,
		"limit":         limit,
	})
	if err != nil {
		return nil, err
	}

	var out []neighborEdge
	for res.Next(ctx) {
		rec := res.Record()
		out = append(out, neighborEdge{
			SourceKey:   recordString(rec, "source_key"),
			NeighborKey: recordString(rec, "neighbor_key"),
			Neighbor: entityHit{
				Key:          recordString(rec, "neighbor_key"),
				Name:         recordString(rec, "neighbor_name"),
				Type:         recordString(rec, "neighbor_type"),
				Description:  recordString(rec, "neighbor_description"),
				FilePath:     recordString(rec, "neighbor_file_path"),
				MentionCount: recordInt(rec, "neighbor_mentions"),
			},
			Weight:      recordFloat(rec, "weight"),
			Description: recordString(rec, "description"),
		})
	}
	return out, res.Err()
}

type mentionRow struct {
	Chunk     chunkHit
	EntityKey string
}

// chunksForEntities returns chunks that mention any of the keys, capped per
// entity so one hub node cannot flood the result.
func chunksForEntities(ctx context.Context, client *Neo4jClient, sc scope, keys []string, perEntity int) ([]mentionRow, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if perEntity <= 0 {
		perEntity = 5
	}

	session := client.readSession(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `
MATCH (e:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id})<-[:MENTIONS]-(ch:KGChunk)
WHERE e.key IN $keys AND ch.tenant_id = $tenant_id AND ch.collection_id = $collection_id
WITH e, ch
ORDER BY coalesce(e.mention_count, 0) DESC, ch.chunk_index ASC
WITH e, collect(ch)[0..$per_entity] AS chunks
UNWIND chunks AS ch
RETURN e.key AS entity_key, ch.key AS key, ch.doc_id AS doc_id,
       ch.chunk_index AS chunk_index, ch.content AS content,
       coalesce(ch.file_path, '') AS file_path,
       coalesce(ch.title, '') AS title
`, map[string]any{
		"tenant_id":     sc.TenantID,
		"collection_id": sc.CollectionID,
		"keys":          keys,
		"per_entity":    perEntity,
	})
	if err != nil {
		return nil, err
	}

	var out []mentionRow
	for res.Next(ctx) {
		rec := res.Record()
		out = append(out, mentionRow{
			EntityKey: recordString(rec, "entity_key"),
			Chunk: chunkHit{
				Key:        recordString(rec, "key"),
				DocID:      recordString(rec, "doc_id"),
				ChunkIndex: recordInt(rec, "chunk_index"),
				Content:    recordString(rec, "content"),
				FilePath:   recordString(rec, "file_path"),
				Title:      recordString(rec, "title"),
			},
		})
	}
	return out, res.Err()
}

// topRelationsByWeight returns the scope's strongest edges for global mode.
// Degree counts distinct edges touching either endpoint.
func topRelationsByWeight(ctx context.Context, client *Neo4jClient, sc scope, limit int) ([]relationHit, error) {
	if limit <= 0 {
		limit = 20
	}

	session := client.readSession(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `
MATCH (a:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id})-[r:RELATED]->(b:KGEntity)
WHERE b.tenant_id = $tenant_id AND b.collection_id = $collection_id
WITH a, b, r, COUNT {(a)-[:RELATED]-()} + COUNT {(b)-[:RELATED]-()} AS degree
RETURN a.name AS source_name, b.name AS target_name,
       coalesce(r.description, '') AS description,
       coalesce(r.keywords, '') AS keywords,
       coalesce(r.weight, 1.0) AS weight,
       degree
ORDER BY weight DESC, degree DESC
LIMIT $limit
`, map[string]any{
		"tenant_id":     sc.TenantID,
		"collection_id": sc.CollectionID,
		"limit":         limit,
	})
	if err != nil {
		return nil, err
	}

	var out []relationHit
	for res.Next(ctx) {
		rec := res.Record()
		out = append(out, relationHit{
			SourceName:  recordString(rec, "source_name"),
			TargetName:  recordString(rec, "target_name"),
			Description: recordString(rec, "description"),
			Keywords:    recordString(rec, "keywords"),
			Weight:      recordFloat(rec, "weight"),
			Degree:      recordInt(rec, "degree"),
		})
	}
	return out, res.Err()
}

// chunksByVector queries the scope's chunks through the vector index. The
// index cannot pre-filter by scope, so it over-fetches and filters here.
func chunksByVector(ctx context.Context, client *Neo4jClient, sc scope, vec []float32, k int) ([]chunkHit, error) {
	if len(vec) == 0 || k <= 0 {
		return nil, nil
	}

	query := make([]float64, len(vec))
	for i, v := range vec {
		query[i] = float64(v)
	}

	session := client.readSession(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `
CALL db.index.vector.queryNodes('kg_chunk_embedding', $fetch, $vec)
YIELD node, score
WHERE node.tenant_id = $tenant_id AND node.collection_id = $collection_id
RETURN node.key AS key, node.doc_id AS doc_id, node.chunk_index AS chunk_index,
       node.content AS content,
       coalesce(node.file_path, '') AS file_path,
       coalesce(node.title, '') AS title,
       score
LIMIT $k
`, map[string]any{
		"tenant_id":     sc.TenantID,
		"collection_id": sc.CollectionID,
		"vec":           query,
		"fetch":         k * 8,
		"k":             k,
	})
	if err != nil {
		return nil, err
	}

	var out []chunkHit
	for res.Next(ctx) {
		rec := res.Record()
		out = append(out, chunkHit{
			Key:        recordString(rec, "key"),
			DocID:      recordString(rec, "doc_id"),
			ChunkIndex: recordInt(rec, "chunk_index"),
			Content:    recordString(rec, "content"),
			FilePath:   recordString(rec, "file_path"),
			Title:      recordString(rec, "title"),
			Score:      recordFloat(rec, "score"),
		})
	}
	return out, res.Err()
}

// chunksByTerms is the degraded path when the vector index is unavailable:
// score = number of distinct terms the content contains.
func chunksByTerms(ctx context.Context, client *Neo4jClient, sc scope, terms []string, k int) ([]chunkHit, error) {
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}

	session := client.readSession(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `
MATCH (ch:KGChunk {tenant_id: $tenant_id, collection_id: $collection_id})
WITH ch, size([term IN $terms WHERE toLower(ch.content) CONTAINS term]) AS matched
WHERE matched > 0
RETURN ch.key AS key, ch.doc_id AS doc_id, ch.chunk_index AS chunk_index,
       ch.content AS content,
       coalesce(ch.file_path, '') AS file_path,
       coalesce(ch.title, '') AS title,
       toFloat(matched) / toFloat(size($terms)) AS score
ORDER BY score DESC, ch.chunk_index ASC
LIMIT $k
`, map[string]any{
		"tenant_id":     sc.TenantID,
		"collection_id": sc.CollectionID,
		"terms":         lowerAll(terms),
		"k":             k,
	})
	if err != nil {
		return nil, err
	}

	var out []chunkHit
	for res.Next(ctx) {
		rec := res.Record()
		out = append(out, chunkHit{
			Key:        recordString(rec, "key"),
			DocID:      recordString(rec, "doc_id"),
			ChunkIndex: recordInt(rec, "chunk_index"),
			Content:    recordString(rec, "content"),
			FilePath:   recordString(rec, "file_path"),
			Title:      recordString(rec, "title"),
			Score:      recordFloat(rec, "score"),
		})
	}
	return out, res.Err()
}

// deleteDocumentNodes removes a single document's chunks, then any entities
// left without mentions in the scope.
func deleteDocumentNodes(ctx context.Context, client *Neo4jClient, sc scope, docID string) error {
	session := client.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (ch:KGChunk {tenant_id: $tenant_id, collection_id: $collection_id, doc_id: $doc_id})
DETACH DELETE ch
`, map[string]any{"tenant_id": sc.TenantID, "collection_id": sc.CollectionID, "doc_id": docID})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}

		res, err = tx.Run(ctx, `
MATCH (e:KGEntity {tenant_id: $tenant_id, collection_id: $collection_id})
WHERE NOT (e)<-[:MENTIONS]-(:KGChunk)
DETACH DELETE e
`, map[string]any{"tenant_id": sc.TenantID, "collection_id": sc.CollectionID})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func deleteScopeNodes(ctx context.Context, client *Neo4jClient, sc scope) error {
	session := client.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n {tenant_id: $tenant_id, collection_id: $collection_id})
WHERE n:KGEntity OR n:KGChunk
DETACH DELETE n
`, map[string]any{"tenant_id": sc.TenantID, "collection_id": sc.CollectionID})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func deleteTenantNodes(ctx context.Context, client *Neo4jClient, tenantID string) error {
	session := client.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n {tenant_id: $tenant_id})
WHERE n:KGEntity OR n:KGChunk
DETACH DELETE n
`, map[string]any{"tenant_id": tenantID})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func lowerAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, toLowerTrim(t))
	}
	return out
}

func toLowerTrim(s string) string {
	return normalizeEntityKey(s)
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recordInt(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func recordFloat(rec *neo4j.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
