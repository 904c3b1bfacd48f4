// Package imgrec contains the acquisition store, which copies the images of a
// focus run into yyyy-mm-dd/<run> subfolders, split by filter wheel and filter.
package imgrec

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/autofocus/server"
)

// Recorder stores images with a counter suffix so that a camera which reuses
// a filename does not overwrite earlier frames.  It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Run names the subfolder of one focus run, below the date folder
	Run string

	// Now is the clock used for the date folder; defaults to time.Now
	Now func() time.Time
}

// NewRecorder returns a recorder for one run below root
func NewRecorder(root, run string) *Recorder {
	return &Recorder{Root: root, Run: run}
}

// ForRun returns a recorder with the same root and clock for another run
func (r *Recorder) ForRun(run string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Recorder{Root: r.Root, Run: run, Now: r.Now}
}

func (r *Recorder) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Dir returns the folder for wheel and filter.  Empty names give the
// wheel-less folder.
func (r *Recorder) Dir(wheel, filter string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir(wheel, filter)
}

func (r *Recorder) dir(wheel, filter string) string {
	now := r.now()
	y, m, d := now.Year(), now.Month(), now.Day()
	parts := []string{r.Root, fmt.Sprintf("%04d-%02d-%02d", y, m, d)}
	if r.Run != "" {
		parts = append(parts, r.Run)
	}
	if wheel != "" && filter != "" {
		parts = append(parts, wheel, filter)
	}
	return filepath.Join(parts...)
}

// Store copies src into the folder for wheel and filter, as <name>-NNN<ext>,
// and returns the new path
func (r *Recorder) Store(src, wheel, filter string) (string, error) {
	r.mu.Lock()
	fldr := r.dir(wheel, filter)
	n := r.counter
	r.counter++
	r.mu.Unlock()

	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	if strings.ToLower(ext) != ".fits" && strings.ToLower(ext) != ".fit" {
		ext = ".fits"
	} else {
		base = strings.TrimSuffix(base, ext)
	}
	dst := filepath.Join(fldr, fmt.Sprintf("%s-%03d%s", base, n, ext))
	return dst, copyFile(src, dst)
}

// Count is the number of images stored so far
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// HTTPWrapper is an HTTP wrapper around a recorder that allows the root folder to be changed on the fly
//
// it offers an Inject method allowing it to be injected into a server.RouteTable
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = os.MkdirAll(str.Str, 0777); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Recorder.mu.Lock()
	h.Recorder.Root = str.Str
	h.Recorder.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.Recorder.mu.Lock()
	root := h.Recorder.Root
	h.Recorder.mu.Unlock()
	server.Respond(w, server.StrT{Str: root})
}

// Inject adds GET and POST routes for /store/root to the route table
func (h HTTPWrapper) Inject(rt server.RouteTable) {
	rt[server.MethodPath{Method: http.MethodPost, Path: "/store/root"}] = h.SetRoot
	rt[server.MethodPath{Method: http.MethodGet, Path: "/store/root"}] = h.GetRoot
}
