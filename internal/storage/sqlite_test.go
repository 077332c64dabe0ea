package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies the content and job indexes are created by migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_content_packs_priority",
		"idx_content_entities_key",
		"idx_content_entities_pack",
		"idx_indexed_documents_pack",
		"idx_indexed_documents_key",
		"idx_jobs_claim",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestBuiltinPackSeeded verifies migration 001 seeds the builtin pack.
func TestBuiltinPackSeeded(t *testing.T) {
	s := openTestStore(t)

	p, err := s.GetPack("srd")
	if err != nil {
		t.Fatalf("GetPack(srd): %v", err)
	}
	if !p.Builtin {
		t.Error("seeded pack should be builtin")
	}
	if !p.Active {
		t.Error("seeded pack should be active")
	}
	if p.CreatedAt.IsZero() {
		t.Error("seeded pack should have a parseable created_at")
	}
}

func TestCreateAndGetPack(t *testing.T) {
	s := openTestStore(t)

	want := Pack{ID: "homebrew", Name: "My Homebrew", Priority: 10, Active: true}
	if err := s.CreatePack(want); err != nil {
		t.Fatalf("CreatePack: %v", err)
	}

	got, err := s.GetPack("homebrew")
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}
	if got.ID != want.ID || got.Name != want.Name || got.Priority != want.Priority {
		t.Errorf("got %+v, want id/name/priority of %+v", got, want)
	}
	if !got.Active || got.Builtin {
		t.Errorf("flags: active=%v builtin=%v, want active non-builtin", got.Active, got.Builtin)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

func TestGetPackNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetPack("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestListPacksOrder verifies packs come back in ascending priority order with
// id as tie-break, which is the order override resolution depends on.
func TestListPacksOrder(t *testing.T) {
	s := openTestStore(t)

	for _, p := range []Pack{
		{ID: "zeta", Name: "Zeta", Priority: 20, Active: true},
		{ID: "alpha", Name: "Alpha", Priority: 5, Active: true},
		{ID: "mid", Name: "Mid", Priority: 10, Active: false},
	} {
		if err := s.CreatePack(p); err != nil {
			t.Fatalf("CreatePack(%s): %v", p.ID, err)
		}
	}

	got, err := s.ListPacks()
	if err != nil {
		t.Fatalf("ListPacks: %v", err)
	}

	// Seeded builtin pack (priority 1000) comes last.
	wantOrder := []string{"alpha", "mid", "zeta", "srd"}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d packs, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("pack[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

// TestCreatePackDuplicatePriority verifies the unique index on priority
// rejects a second pack with the same priority value.
func TestCreatePackDuplicatePriority(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreatePack(Pack{ID: "one", Name: "One", Priority: 7, Active: true}); err != nil {
		t.Fatalf("CreatePack(one): %v", err)
	}
	if err := s.CreatePack(Pack{ID: "two", Name: "Two", Priority: 7, Active: true}); err == nil {
		t.Fatal("expected duplicate priority to be rejected")
	}
}

func TestUpdatePack(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreatePack(Pack{ID: "hb", Name: "Homebrew", Priority: 10, Active: true}); err != nil {
		t.Fatalf("CreatePack: %v", err)
	}

	if err := s.UpdatePack(Pack{ID: "hb", Name: "Homebrew v2", Priority: 3, Active: false}); err != nil {
		t.Fatalf("UpdatePack: %v", err)
	}

	got, err := s.GetPack("hb")
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}
	if got.Name != "Homebrew v2" || got.Priority != 3 || got.Active {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.UpdatePack(Pack{ID: "missing", Name: "x", Priority: 99}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePack(missing) = %v, want ErrNotFound", err)
	}
}

// TestDeletePackCascades verifies deleting a pack removes its entities and
// indexed documents in the same transaction.
func TestDeletePackCascades(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreatePack(Pack{ID: "hb", Name: "Homebrew", Priority: 10, Active: true}); err != nil {
		t.Fatalf("CreatePack: %v", err)
	}
	e := content.Entity{
		ID:      "e1",
		PackID:  "hb",
		Type:    content.TypeSpell,
		Key:     "fireball",
		Name:    "Fireball",
		Payload: &content.SpellPayload{Level: 3},
	}
	if err := s.UpsertEntity(e); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	_, err := s.db.Exec(`INSERT INTO indexed_documents (id, entity_id, pack_id, entity_type, logical_key, name, rendered_text, embedding, indexed_at)
		VALUES ('d1', 'e1', 'hb', 'spell', 'fireball', 'Fireball', 'Fireball text', X'00000000', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT document: %v", err)
	}

	if err := s.DeletePack("hb"); err != nil {
		t.Fatalf("DeletePack: %v", err)
	}

	if _, err := s.GetPack("hb"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pack still present after delete: %v", err)
	}
	var entityCount, docCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM content_entities WHERE pack_id = 'hb'`).Scan(&entityCount); err != nil {
		t.Fatalf("counting entities: %v", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM indexed_documents WHERE pack_id = 'hb'`).Scan(&docCount); err != nil {
		t.Fatalf("counting documents: %v", err)
	}
	if entityCount != 0 || docCount != 0 {
		t.Errorf("cascade left %d entities, %d documents", entityCount, docCount)
	}

	if err := s.DeletePack("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeletePack(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpsertAndGetEntity(t *testing.T) {
	s := openTestStore(t)

	want := content.Entity{
		ID:     "e-spell",
		PackID: "srd",
		Type:   content.TypeSpell,
		Key:    "fireball",
		Name:   "Fireball",
		Payload: &content.SpellPayload{
			Level:       3,
			School:      "evocation",
			Range:       "150 feet",
			Description: "A bright streak flashes from your pointing finger.",
		},
		SourceText: "Player handbook, chapter 11.",
	}
	if err := s.UpsertEntity(want); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	got, err := s.GetEntity("e-spell")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.PackID != "srd" || got.Type != content.TypeSpell || got.Key != "fireball" {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.SourceText != want.SourceText {
		t.Errorf("SourceText = %q, want %q", got.SourceText, want.SourceText)
	}
	spell, ok := got.Payload.(*content.SpellPayload)
	if !ok {
		t.Fatalf("payload type = %T, want *content.SpellPayload", got.Payload)
	}
	if spell.Level != 3 || spell.School != "evocation" {
		t.Errorf("payload round-trip mismatch: %+v", spell)
	}
}

// TestUpsertEntityReplaces verifies a second upsert with the same
// (pack, type, key) replaces the record and keeps the original id so indexed
// documents stay attached.
func TestUpsertEntityReplaces(t *testing.T) {
	s := openTestStore(t)

	first := content.Entity{
		ID: "e-orig", PackID: "srd", Type: content.TypeRule, Key: "grappling",
		Name: "Grappling", Payload: &content.RulePayload{Text: "old text"},
	}
	if err := s.UpsertEntity(first); err != nil {
		t.Fatalf("first UpsertEntity: %v", err)
	}

	second := content.Entity{
		ID: "e-new", PackID: "srd", Type: content.TypeRule, Key: "grappling",
		Name: "Grappling (revised)", Payload: &content.RulePayload{Text: "new text"},
	}
	if err := s.UpsertEntity(second); err != nil {
		t.Fatalf("second UpsertEntity: %v", err)
	}

	entities, err := s.ListEntities("srd")
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	got := entities[0]
	if got.ID != "e-orig" {
		t.Errorf("id = %q, want original id to survive replace", got.ID)
	}
	if got.Name != "Grappling (revised)" {
		t.Errorf("name = %q, want replaced name", got.Name)
	}
	if got.Payload.(*content.RulePayload).Text != "new text" {
		t.Error("payload should be replaced")
	}
}

// TestSameKeyAcrossPacks verifies two packs can carry the same logical key
// simultaneously and ListEntitiesByKey returns both.
func TestSameKeyAcrossPacks(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreatePack(Pack{ID: "homebrew", Name: "Homebrew", Priority: 1, Active: true}); err != nil {
		t.Fatalf("CreatePack: %v", err)
	}
	official := content.Entity{
		ID: "e-official", PackID: "srd", Type: content.TypeSpell, Key: "fireball",
		Name: "Fireball", Payload: &content.SpellPayload{Level: 3},
	}
	custom := content.Entity{
		ID: "e-custom", PackID: "homebrew", Type: content.TypeSpell, Key: "fireball",
		Name: "Fireball", Payload: &content.SpellPayload{Level: 3, Description: "House-ruled: 10d6."},
	}
	if err := s.UpsertEntity(official); err != nil {
		t.Fatalf("UpsertEntity official: %v", err)
	}
	if err := s.UpsertEntity(custom); err != nil {
		t.Fatalf("UpsertEntity custom: %v", err)
	}

	got, err := s.ListEntitiesByKey(content.TypeSpell, "fireball")
	if err != nil {
		t.Fatalf("ListEntitiesByKey: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entities, want 2", len(got))
	}
}

func TestFindEntityNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.FindEntity("srd", content.TypeSpell, "wish")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListEntitiesDeterministicOrder(t *testing.T) {
	s := openTestStore(t)

	for _, e := range []content.Entity{
		{ID: "e3", PackID: "srd", Type: content.TypeSpell, Key: "mage hand", Name: "Mage Hand", Payload: &content.SpellPayload{}},
		{ID: "e1", PackID: "srd", Type: content.TypeMonster, Key: "goblin", Name: "Goblin", Payload: &content.MonsterPayload{}},
		{ID: "e2", PackID: "srd", Type: content.TypeSpell, Key: "fireball", Name: "Fireball", Payload: &content.SpellPayload{}},
	} {
		if err := s.UpsertEntity(e); err != nil {
			t.Fatalf("UpsertEntity(%s): %v", e.ID, err)
		}
	}

	got, err := s.ListEntities("srd")
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	wantOrder := []string{"e1", "e2", "e3"} // monster/goblin, spell/fireball, spell/mage hand
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d entities, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("entity[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestCampaignRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := Campaign{
		ID:           "camp-1",
		Name:         "Curse of the Crimson Keep",
		Description:  "A haunted-castle campaign.",
		PackPriority: `["homebrew","srd"]`,
	}
	if err := s.SaveCampaign(want); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}

	got, err := s.GetCampaign("camp-1")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Name != want.Name || got.PackPriority != want.PackPriority {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	// Upsert replaces the priority list.
	want.PackPriority = `["srd"]`
	if err := s.SaveCampaign(want); err != nil {
		t.Fatalf("SaveCampaign (update): %v", err)
	}
	got, err = s.GetCampaign("camp-1")
	if err != nil {
		t.Fatalf("GetCampaign (update): %v", err)
	}
	if got.PackPriority != `["srd"]` {
		t.Errorf("PackPriority = %q, want updated list", got.PackPriority)
	}

	all, err := s.ListCampaigns()
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d campaigns, want 1", len(all))
	}

	if err := s.DeleteCampaign("camp-1"); err != nil {
		t.Fatalf("DeleteCampaign: %v", err)
	}
	if _, err := s.GetCampaign("camp-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCampaign after delete = %v, want ErrNotFound", err)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "reindex_pack",
		PayloadJSON: `{"pack_id":"srd"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"reindex_pack"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != `{"pack_id":"srd"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"reindex_pack"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "reindex_pack",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"reindex_pack"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob("j-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("status = %q, want %q", got.Status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, err := s.GetJob("j-fail-inc")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.Status != "pending" {
		t.Errorf("status = %q, want %q", got.Status, "pending")
	}
	if got.LastError != "something broke" {
		t.Errorf("last_error = %q, want %q", got.LastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, err := s.GetJob("j-fail-max")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("status = %q, want %q", got.Status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, err := s.GetJob("j-backoff")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", got.RunAfter, before)
	}
}
