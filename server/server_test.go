package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi"
)

func TestBindAndEndpoints(t *testing.T) {
	rt := RouteTable{
		{Method: http.MethodGet, Path: "/scan"}:  func(w http.ResponseWriter, r *http.Request) { Respond(w, StrT{Str: "idle"}) },
		{Method: http.MethodPost, Path: "/scan"}: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) },
	}
	mux := chi.NewRouter()
	rt.Bind(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scan", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("POST /scan returned %d", w.Code)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	var eps []string
	if err := json.NewDecoder(w.Body).Decode(&eps); err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 || eps[0] != "GET /scan" || eps[1] != "POST /scan" {
		t.Errorf("unexpected endpoints %v", eps)
	}
}

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.fits"), []byte("SIMPLE  =                    T"), 0644); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "a.fits", dir)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Errorf("expected the file back, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "b.fits", dir)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a missing file, got %d", w.Code)
	}
}
