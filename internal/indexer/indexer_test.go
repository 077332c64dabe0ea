package indexer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/embedding"
	"github.com/mmerah/ai-gamemaster-sub005/internal/knowledge"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// stubEmbedder embeds every text as a fixed vector, optionally failing the
// texts that contain failContains, or all of them.
type stubEmbedder struct {
	failContains string
	failAll      bool
	calls        int
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) []embedding.BatchResult {
	s.calls++
	out := make([]embedding.BatchResult, len(texts))
	for i, text := range texts {
		if s.failAll || (s.failContains != "" && strings.Contains(strings.ToLower(text), s.failContains)) {
			out[i].Err = fmt.Errorf("embedding text: model not loaded")
			continue
		}
		out[i].Vector = []float32{1, 0, 0}
	}
	return out
}

// openTestIndexer seeds the builtin srd pack with a spell and a monster.
func openTestIndexer(t *testing.T, emb BatchEmbedder) (*Indexer, *storage.Store, *knowledge.DocStore) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	entities := []content.Entity{
		{ID: "e-srd-fb", PackID: "srd", Type: content.TypeSpell, Key: "fireball", Name: "Fireball",
			Payload: &content.SpellPayload{Level: 3, School: "evocation", Description: "A bright streak of fire."}},
		{ID: "e-srd-gob", PackID: "srd", Type: content.TypeMonster, Key: "goblin", Name: "Goblin",
			Payload: &content.MonsterPayload{Size: "Small", Kind: "humanoid", Description: "A small green raider."}},
	}
	for _, e := range entities {
		if err := store.UpsertEntity(e); err != nil {
			t.Fatalf("UpsertEntity %s: %v", e.ID, err)
		}
	}

	docs := knowledge.NewDocStore(store.DB())
	return New(store, docs, emb), store, docs
}

type docRow struct {
	id   string
	key  string
	text string
}

func collectDocs(t *testing.T, store *storage.Store, packID string) []docRow {
	t.Helper()
	rows, err := store.DB().Query(
		`SELECT id, logical_key, rendered_text FROM indexed_documents WHERE pack_id = ? ORDER BY logical_key`, packID)
	if err != nil {
		t.Fatalf("querying documents: %v", err)
	}
	defer rows.Close()

	var out []docRow
	for rows.Next() {
		var r docRow
		if err := rows.Scan(&r.id, &r.key, &r.text); err != nil {
			t.Fatalf("scanning document: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestReindexWritesDocuments(t *testing.T) {
	ix, store, docs := openTestIndexer(t, &stubEmbedder{})

	report, err := ix.Reindex(context.Background(), "srd")
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if !reflect.DeepEqual(report.Packs, []string{"srd"}) {
		t.Errorf("report packs = %v, want [srd]", report.Packs)
	}
	if report.DocumentsWritten != 2 || report.DocumentsFailed != 0 {
		t.Errorf("report = %d written / %d failed, want 2 / 0", report.DocumentsWritten, report.DocumentsFailed)
	}

	count, err := docs.CountByPack("srd")
	if err != nil {
		t.Fatalf("CountByPack: %v", err)
	}
	if count != 2 {
		t.Errorf("indexed %d documents, want 2", count)
	}

	rows := collectDocs(t, store, "srd")
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].id != DocumentID("srd", content.TypeSpell, "fireball") {
		t.Errorf("fireball doc id = %s, want the derived id", rows[0].id)
	}
	if !strings.Contains(rows[0].text, "streak of fire") {
		t.Errorf("rendered text %q should carry the spell description", rows[0].text)
	}
}

func TestReindexIdempotent(t *testing.T) {
	ix, store, _ := openTestIndexer(t, &stubEmbedder{})

	if _, err := ix.Reindex(context.Background(), "srd"); err != nil {
		t.Fatalf("first Reindex: %v", err)
	}
	first := collectDocs(t, store, "srd")

	if _, err := ix.Reindex(context.Background(), "srd"); err != nil {
		t.Fatalf("second Reindex: %v", err)
	}
	second := collectDocs(t, store, "srd")

	if !reflect.DeepEqual(first, second) {
		t.Errorf("reindexing unchanged content changed the rows:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestReindexRecordsFailures(t *testing.T) {
	ix, store, _ := openTestIndexer(t, &stubEmbedder{failContains: "goblin"})

	report, err := ix.Reindex(context.Background(), "srd")
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if report.DocumentsWritten != 1 || report.DocumentsFailed != 1 {
		t.Fatalf("report = %d written / %d failed, want 1 / 1", report.DocumentsWritten, report.DocumentsFailed)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(report.Failures))
	}
	f := report.Failures[0]
	if f.PackID != "srd" || f.EntityID != "e-srd-gob" || f.Key != "goblin" {
		t.Errorf("failure = %+v, want the goblin entity", f)
	}
	if f.Error == "" {
		t.Error("failure should carry the embed error")
	}

	rows := collectDocs(t, store, "srd")
	if len(rows) != 1 || rows[0].key != "fireball" {
		t.Errorf("rows = %+v, want only the fireball document", rows)
	}
}

func TestReindexUnknownPack(t *testing.T) {
	ix, _, _ := openTestIndexer(t, &stubEmbedder{})

	_, err := ix.Reindex(context.Background(), "no-such-pack")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReindexAllCoversInactivePacks(t *testing.T) {
	ix, store, docs := openTestIndexer(t, &stubEmbedder{})

	if err := store.CreatePack(storage.Pack{ID: "retired", Name: "Retired", Priority: 5, Active: false}); err != nil {
		t.Fatalf("CreatePack: %v", err)
	}
	err := store.UpsertEntity(content.Entity{
		ID: "e-ret-ws", PackID: "retired", Type: content.TypeSpell, Key: "wither", Name: "Wither",
		Payload: &content.SpellPayload{Level: 2, School: "necromancy", Description: "Flesh shrivels at a touch."}})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	report, err := ix.ReindexAll(context.Background())
	if err != nil {
		t.Fatalf("ReindexAll: %v", err)
	}
	if len(report.Packs) != 2 {
		t.Errorf("report covers %v, want both packs", report.Packs)
	}
	if report.DocumentsWritten != 3 {
		t.Errorf("written = %d, want 3", report.DocumentsWritten)
	}

	count, err := docs.CountByPack("retired")
	if err != nil {
		t.Fatalf("CountByPack: %v", err)
	}
	if count != 1 {
		t.Errorf("inactive pack has %d documents, want 1 (activation filters queries, not indexing)", count)
	}
}

func TestReindexAllFailedKeepsOldDocuments(t *testing.T) {
	emb := &stubEmbedder{}
	ix, _, docs := openTestIndexer(t, emb)

	if _, err := ix.Reindex(context.Background(), "srd"); err != nil {
		t.Fatalf("seeding Reindex: %v", err)
	}

	emb.failAll = true
	report, err := ix.Reindex(context.Background(), "srd")
	if err != nil {
		t.Fatalf("Reindex with embedder down: %v", err)
	}
	if report.DocumentsWritten != 0 || report.DocumentsFailed != 2 {
		t.Errorf("report = %d written / %d failed, want 0 / 2", report.DocumentsWritten, report.DocumentsFailed)
	}

	count, err := docs.CountByPack("srd")
	if err != nil {
		t.Fatalf("CountByPack: %v", err)
	}
	if count != 2 {
		t.Errorf("index holds %d documents after a total embed failure, want the previous 2", count)
	}
}

func TestReindexCanceledContextKeepsOldDocuments(t *testing.T) {
	ix, _, docs := openTestIndexer(t, &stubEmbedder{})

	if _, err := ix.Reindex(context.Background(), "srd"); err != nil {
		t.Fatalf("seeding Reindex: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ix.Reindex(ctx, "srd"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	count, err := docs.CountByPack("srd")
	if err != nil {
		t.Fatalf("CountByPack: %v", err)
	}
	if count != 2 {
		t.Errorf("index holds %d documents after a canceled pass, want the previous 2", count)
	}
}

func TestEnqueueReindex(t *testing.T) {
	_, store, _ := openTestIndexer(t, &stubEmbedder{})

	id, err := EnqueueReindex(store, "srd")
	if err != nil {
		t.Fatalf("EnqueueReindex: %v", err)
	}
	if id == "" {
		t.Fatal("job id should not be empty")
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != ReindexJobType {
		t.Errorf("job type = %q, want %q", job.Type, ReindexJobType)
	}
	if job.PayloadJSON != `{"pack_id":"srd"}` {
		t.Errorf("payload = %q", job.PayloadJSON)
	}
	if job.Status != "pending" {
		t.Errorf("status = %q, want pending", job.Status)
	}
}

func TestWorkerProcessesJob(t *testing.T) {
	ix, store, docs := openTestIndexer(t, &stubEmbedder{})
	w := NewWorker(store, ix, 0)

	id, err := EnqueueReindex(store, "srd")
	if err != nil {
		t.Fatalf("EnqueueReindex: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce should have claimed the job")
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("job status = %q, want completed", job.Status)
	}

	count, err := docs.CountByPack("srd")
	if err != nil {
		t.Fatalf("CountByPack: %v", err)
	}
	if count != 2 {
		t.Errorf("indexed %d documents, want 2", count)
	}
}

func TestWorkerReindexAllJob(t *testing.T) {
	ix, store, docs := openTestIndexer(t, &stubEmbedder{})
	w := NewWorker(store, ix, 0)

	if err := store.CreatePack(storage.Pack{ID: "homebrew", Name: "Homebrew", Priority: 10, Active: true}); err != nil {
		t.Fatalf("CreatePack: %v", err)
	}
	err := store.UpsertEntity(content.Entity{
		ID: "e-hb-fb", PackID: "homebrew", Type: content.TypeSpell, Key: "fireball", Name: "Fireball",
		Payload: &content.SpellPayload{Level: 3, School: "evocation", Description: "Fire damage in a larger radius."}})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	if _, err := EnqueueReindex(store, ""); err != nil {
		t.Fatalf("EnqueueReindex: %v", err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	total, err := docs.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 3 {
		t.Errorf("indexed %d documents across packs, want 3", total)
	}
}

func TestWorkerFailsJob(t *testing.T) {
	ix, store, _ := openTestIndexer(t, &stubEmbedder{})
	w := NewWorker(store, ix, 0)

	job := storage.Job{ID: "j-bad", Type: ReindexJobType, PayloadJSON: `{"pack_id":"no-such-pack"}`}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce should have claimed the job")
	}

	got, err := store.GetJob("j-bad")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "pending" {
		t.Errorf("status = %q, want pending for a retryable failure", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if !strings.Contains(got.LastError, "no-such-pack") {
		t.Errorf("last error %q should name the missing pack", got.LastError)
	}
}

func TestWorkerBadPayload(t *testing.T) {
	ix, store, _ := openTestIndexer(t, &stubEmbedder{})
	w := NewWorker(store, ix, 0)

	job := storage.Job{ID: "j-garbled", Type: ReindexJobType, PayloadJSON: `{"pack_id":42}`}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := store.GetJob("j-garbled")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !strings.Contains(got.LastError, "parsing payload") {
		t.Errorf("last error %q should report the payload parse failure", got.LastError)
	}
}

func TestWorkerNoJobs(t *testing.T) {
	ix, store, _ := openTestIndexer(t, &stubEmbedder{})
	w := NewWorker(store, ix, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce claimed a job from an empty queue")
	}
}
