package sessions

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"collab-server/core"
	"collab-server/crdt"
	"collab-server/session"

	"github.com/go-chi/chi/v5"
)

func setupRegistry(t *testing.T) *session.Registry {
	t.Helper()
	reg := session.NewRegistry()
	if _, err := reg.Create("s1", "Demo", "alice", "Alice"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := reg.Join("s1", "bob", "Bob"); err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	if _, err := reg.UpdateCursor("s1", "bob", core.CursorPosition{FileID: "main.go", Line: 3}); err != nil {
		t.Fatalf("UpdateCursor() failed: %v", err)
	}

	u, err := crdt.NewDoc("alice").Insert(0, "hi")
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	delta, err := crdt.Encode(u)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	docs, _ := reg.DocumentStore("s1")
	if err := docs.ApplyUpdate("src/main.go", delta); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
	return reg
}

func get(reg *session.Registry, target string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/api/sessions", Routes(reg))
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleList(t *testing.T) {
	rec := get(setupRegistry(t), "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var infos []core.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID != "s1" || len(infos[0].Participants) != 2 {
		t.Errorf("Unexpected sessions: %+v", infos)
	}
}

func TestHandleGet(t *testing.T) {
	reg := setupRegistry(t)

	rec := get(reg, "/api/sessions/s1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var info core.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if info.Name != "Demo" {
		t.Errorf("Name mismatch: got %q", info.Name)
	}

	if rec := get(reg, "/api/sessions/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch for unknown session: got %d", rec.Code)
	}
}

func TestHandlePresence(t *testing.T) {
	rec := get(setupRegistry(t), "/api/sessions/s1/presence?fileId=main.go")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var resp PresenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := resp.Entries["bob"]; !ok {
		t.Errorf("Expected bob's presence entry, got %+v", resp.Entries)
	}
	if len(resp.Users) != 1 || resp.Users[0] != "bob" {
		t.Errorf("Expected bob in main.go, got %v", resp.Users)
	}
}

func TestHandleDocuments(t *testing.T) {
	reg := setupRegistry(t)

	rec := get(reg, "/api/sessions/s1/documents")
	var docs DocumentsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &docs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(docs.Files) != 1 || docs.Files[0] != "src/main.go" {
		t.Errorf("Unexpected files: %v", docs.Files)
	}

	rec = get(reg, "/api/sessions/s1/documents/src/main.go")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type mismatch: got %q", ct)
	}
	store, _ := reg.DocumentStore("s1")
	want, _ := store.EncodeState("src/main.go")
	if rec.Body.String() != string(want) {
		t.Error("Returned state does not match the replica")
	}

	rec = get(reg, "/api/sessions/s1/documents/src%2Fmain.go?format=text")
	if rec.Body.String() != "hi" {
		t.Errorf("Text mismatch: got %q", rec.Body.String())
	}
}
