package knowledge

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/packs"
)

// Document is one indexed row derived from a content entity: its rendered
// text plus the embedding vector computed from it.
type Document struct {
	ID           string
	EntityID     string
	PackID       string
	Type         content.EntityType
	Key          string
	Name         string
	RenderedText string
	Embedding    []float32
	IndexedAt    time.Time
}

// Result is a document returned from a search with its similarity score.
// The embedding itself is not carried back; readers only need the text.
type Result struct {
	Document
	Score float32
}

// DocStore provides document storage and brute-force cosine similarity
// search over the indexed_documents table.
//
// When the document count exceeds ~100K and query latency becomes
// noticeable, consider an ANN-indexed backend. Until then a full scan of
// id + embedding stays well under typical request budgets.
type DocStore struct {
	db *sql.DB
}

// NewDocStore wraps an existing *sql.DB for document operations.
// The indexed_documents table must already exist (created via migrations).
func NewDocStore(db *sql.DB) *DocStore {
	return &DocStore{db: db}
}

// ReplacePack swaps the full document set of one pack in a single
// transaction, so readers never observe a half-indexed pack. Passing no
// documents clears the pack from the index.
func (d *DocStore) ReplacePack(packID string, docs []Document) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning reindex transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM indexed_documents WHERE pack_id = ?`, packID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing documents for pack %s: %w", packID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO indexed_documents (id, entity_id, pack_id, entity_type, logical_key, name, rendered_text, embedding, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		blob := encodeFloat32s(doc.Embedding)
		indexedAt := doc.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(doc.ID, doc.EntityID, doc.PackID, string(doc.Type), doc.Key, doc.Name, doc.RenderedText, blob, indexedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting document %s: %w", doc.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of a search.
// Full document details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// groupKey identifies documents that describe the same logical thing across
// packs. At most one document per group may appear in a result set.
type groupKey struct {
	Type content.EntityType
	Key  string
}

// Search performs brute-force cosine similarity search over the documents of
// the packs readable under res, optionally restricted to the given entity
// types. Documents sharing a (type, key) collapse to the document from the
// winning pack before top-K selection, so an overridden document never
// shadows a distinct lower-scored one out of the results.
func (d *DocStore) Search(vector []float32, topK int, res packs.Resolution, types []content.EntityType) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	where, args, ok := scanFilter(res, types)
	if !ok {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only identity columns + embedding to find candidates.
	rows, err := d.db.Query(`SELECT id, pack_id, entity_type, logical_key, embedding FROM indexed_documents`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	groups := make(map[groupKey]map[string]idScore)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, packID, entityType, logicalKey string
		var blob []byte
		if err := rows.Scan(&id, &packID, &entityType, &logicalKey, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		gk := groupKey{Type: content.EntityType(entityType), Key: logicalKey}
		g := groups[gk]
		if g == nil {
			g = make(map[string]idScore, 1)
			groups[gk] = g
		}
		g[packID] = idScore{ID: id, Score: score}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	ids, scores := pickWinners(groups, topK, res)
	return d.fetchResults(ids, scores)
}

// KeywordSearch is the degraded-mode search: deterministic term overlap
// between the query and each document's rendered text, no embeddings
// involved. Scoring is the fraction of query terms present in the document.
func (d *DocStore) KeywordSearch(text string, topK int, res packs.Resolution, types []content.EntityType) ([]Result, error) {
	terms := queryTerms(text)
	if topK <= 0 || len(terms) == 0 {
		return nil, nil
	}
	where, args, ok := scanFilter(res, types)
	if !ok {
		return nil, nil
	}

	rows, err := d.db.Query(`SELECT id, pack_id, entity_type, logical_key, rendered_text FROM indexed_documents`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	groups := make(map[groupKey]map[string]idScore)
	for rows.Next() {
		var id, packID, entityType, logicalKey, rendered string
		if err := rows.Scan(&id, &packID, &entityType, &logicalKey, &rendered); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		score := termOverlap(terms, rendered)
		if score == 0 {
			continue
		}
		gk := groupKey{Type: content.EntityType(entityType), Key: logicalKey}
		g := groups[gk]
		if g == nil {
			g = make(map[string]idScore, 1)
			groups[gk] = g
		}
		g[packID] = idScore{ID: id, Score: score}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	ids, scores := pickWinners(groups, topK, res)
	return d.fetchResults(ids, scores)
}

// scanFilter builds the WHERE clause restricting a scan to readable packs
// and, when given, entity types. Reports false when no pack is readable.
func scanFilter(res packs.Resolution, types []content.EntityType) (string, []interface{}, bool) {
	packIDs := res.PackIDs()
	if len(packIDs) == 0 {
		return "", nil, false
	}

	args := make([]interface{}, 0, len(packIDs)+len(types))
	where := ` WHERE pack_id IN (?` + strings.Repeat(",?", len(packIDs)-1) + `)`
	for _, id := range packIDs {
		args = append(args, id)
	}
	if len(types) > 0 {
		where += ` AND entity_type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	return where, args, true
}

// pickWinners resolves each (type, key) group to the document from its
// winning pack and keeps the top-K winners by score. Groups are visited in
// sorted key order so equal-score ties break the same way on every call.
func pickWinners(groups map[groupKey]map[string]idScore, topK int, res packs.Resolution) ([]string, map[string]float32) {
	keys := make([]groupKey, 0, len(groups))
	for gk := range groups {
		keys = append(keys, gk)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Key < keys[j].Key
	})

	h := &idScoreHeap{}
	heap.Init(h)

	var candidates []string
	for _, gk := range keys {
		g := groups[gk]
		candidates = candidates[:0]
		for packID := range g {
			candidates = append(candidates, packID)
		}
		winner := res.Pick(candidates)
		if winner == "" {
			continue
		}
		item := g[winner]
		if h.Len() < topK {
			heap.Push(h, item)
		} else if item.Score > (*h)[0].Score {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}

	if h.Len() == 0 {
		return nil, nil
	}
	ids := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		ids[i] = item.ID
		scores[item.ID] = item.Score
	}
	return ids, scores
}

// fetchResults is the second search phase: load full rows for the winning
// IDs and attach their scores.
func (d *DocStore) fetchResults(ids []string, scores map[string]float32) ([]Result, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queryArgs := make([]interface{}, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, entity_id, pack_id, entity_type, logical_key, name, rendered_text, indexed_at
		FROM indexed_documents WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := d.db.Query(fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K documents: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var doc Document
		var entityType, indexedAt string
		if err := rows.Scan(&doc.ID, &doc.EntityID, &doc.PackID, &entityType, &doc.Key, &doc.Name, &doc.RenderedText, &indexedAt); err != nil {
			return nil, fmt.Errorf("scanning full document: %w", err)
		}
		doc.Type = content.EntityType(entityType)
		t, err := time.Parse(time.RFC3339, indexedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing indexed_at: %w", err)
		}
		doc.IndexedAt = t
		results = append(results, Result{Document: doc, Score: scores[doc.ID]})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full documents: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// sortByScore sorts Results by Score descending. Used for small slices (topK).
func sortByScore(results []Result) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Count returns the number of documents in the index.
func (d *DocStore) Count() (int, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM indexed_documents`).Scan(&count)
	return count, err
}

// CountByPack returns the number of indexed documents for one pack.
func (d *DocStore) CountByPack(packID string) (int, error) {
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM indexed_documents WHERE pack_id = ?`, packID).Scan(&count)
	return count, err
}

// queryTerms tokenizes query text into distinct lowercase terms, preserving
// first-seen order.
func queryTerms(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(text)) {
		term := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		terms = append(terms, term)
	}
	return terms
}

// termOverlap scores a document as the fraction of query terms its rendered
// text contains.
func termOverlap(terms []string, rendered string) float32 {
	docTerms := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(rendered)) {
		term := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if term != "" {
			docTerms[term] = true
		}
	}

	hits := 0
	for _, term := range terms {
		if docTerms[term] {
			hits++
		}
	}
	return float32(hits) / float32(len(terms))
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase to track top-K winners by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
