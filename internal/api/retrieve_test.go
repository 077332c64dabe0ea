package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// seedContent installs a goblin and a fireball in srd, a homebrew pack that
// overrides the fireball, and indexes everything through the admin route.
func seedContent(t *testing.T, h http.Handler, store *storage.Store) {
	t.Helper()

	if err := store.CreatePack(storage.Pack{ID: "homebrew", Name: "Homebrew", Priority: 10, Active: true}); err != nil {
		t.Fatalf("CreatePack: %v", err)
	}
	entities := []content.Entity{
		{ID: "e-srd-gob", PackID: "srd", Type: content.TypeMonster, Key: "goblin", Name: "Goblin",
			Payload: &content.MonsterPayload{Size: "Small", Kind: "humanoid", Description: "A small green raider."}},
		{ID: "e-srd-fb", PackID: "srd", Type: content.TypeSpell, Key: "fireball", Name: "Fireball",
			Payload: &content.SpellPayload{Level: 3, School: "evocation", Description: "A bright streak of fire."}},
		{ID: "e-hb-fb", PackID: "homebrew", Type: content.TypeSpell, Key: "fireball", Name: "Fireball",
			Payload: &content.SpellPayload{Level: 3, School: "evocation", Description: "Fire damage in a larger radius."}},
	}
	for _, e := range entities {
		if err := store.UpsertEntity(e); err != nil {
			t.Fatalf("UpsertEntity %s: %v", e.ID, err)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/reindex", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("reindex status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestRetrieve_ReturnsContext(t *testing.T) {
	h, store := setupHandler(t, testToken)
	seedContent(t, h, store)

	body := `{"text":"I attack the goblin with my sword"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/retrieve", body, ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp RetrieveResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Rendered == "" {
		t.Fatal("expected rendered context, got empty string")
	}
	if len(resp.Snippets) == 0 {
		t.Fatal("expected snippets")
	}
	if len(resp.Intents) == 0 || resp.Intents[0].Category != "combat" {
		t.Errorf("intents = %+v, want combat first", resp.Intents)
	}
	if resp.Degraded {
		t.Error("unexpected degraded flag")
	}
}

func TestRetrieve_MissingText(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/retrieve", `{}`, ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestRetrieve_CampaignAndPriorityExclusive(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := `{"text":"hello","campaign_id":"c1","pack_priority":["srd"]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/retrieve", body, ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestRetrieve_UnknownCampaign(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := `{"text":"hello","campaign_id":"no-such-campaign"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/retrieve", body, ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusNotFound, rr.Body.String())
	}
}

func TestRetrieve_RejectsUnknownPackInPriority(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := `{"text":"hello","pack_priority":["no-such-pack"]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/retrieve", body, ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

// packServingFireball retrieves the fireball snippet and reports which pack
// it came from.
func packServingFireball(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/retrieve", body, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp RetrieveResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	for _, s := range resp.Snippets {
		if s.Key == "fireball" {
			return s.PackID
		}
	}
	t.Fatal("no fireball snippet in response")
	return ""
}

func TestRetrieve_CampaignPriorityPicksOverride(t *testing.T) {
	h, store := setupHandler(t, testToken)
	seedContent(t, h, store)

	// Without a campaign the homebrew pack wins on priority.
	query := `{"text":"I cast fireball at the cultists"}`
	if got := packServingFireball(t, h, query); got != "homebrew" {
		t.Errorf("default fireball from %s, want homebrew", got)
	}

	// A campaign listing srd first flips the override.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/campaigns",
		`{"name":"Sunken Keep","pack_priority":["srd","homebrew"]}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("creating campaign: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created campaignJSON
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decoding campaign: %v", err)
	}

	query = `{"text":"I cast fireball at the cultists","campaign_id":"` + created.ID + `"}`
	if got := packServingFireball(t, h, query); got != "srd" {
		t.Errorf("campaign fireball from %s, want srd", got)
	}
}
