package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/autofocus/server"
)

func router(l *Locker) http.Handler {
	rt := server.RouteTable{
		{Method: http.MethodPost, Path: "/scan"}: func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodGet, Path: "/scan"}:  func(w http.ResponseWriter, r *http.Request) {},
	}
	Inject(rt, l)
	mux := chi.NewRouter()
	mux.Use(l.Check)
	rt.Bind(mux)
	return mux
}

func do(h http.Handler, method, path, body string) int {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w.Code
}

func TestLockedBouncesWrites(t *testing.T) {
	l := New()
	h := router(l)
	if c := do(h, http.MethodPost, "/scan", ""); c != http.StatusOK {
		t.Errorf("unlocked POST returned %d", c)
	}
	if c := do(h, http.MethodPost, "/lock", `{"bool":true}`); c != http.StatusOK {
		t.Fatalf("POST /lock returned %d", c)
	}
	if c := do(h, http.MethodPost, "/scan", ""); c != http.StatusLocked {
		t.Errorf("locked POST returned %d, expected 423", c)
	}
	if c := do(h, http.MethodGet, "/scan", ""); c != http.StatusOK {
		t.Errorf("locked GET returned %d", c)
	}
	if c := do(h, http.MethodPost, "/lock", `{"bool":false}`); c != http.StatusOK {
		t.Errorf("POST /lock should never be locked, got %d", c)
	}
	if l.Locked() {
		t.Error("expected the locker to be unlocked")
	}
}

func TestBusyLocks(t *testing.T) {
	busy := true
	l := New()
	l.Busy = func() bool { return busy }
	h := router(l)
	if c := do(h, http.MethodPost, "/scan", ""); c != http.StatusLocked {
		t.Errorf("busy POST returned %d, expected 423", c)
	}
	busy = false
	if c := do(h, http.MethodPost, "/scan", ""); c != http.StatusOK {
		t.Errorf("idle POST returned %d", c)
	}
}
