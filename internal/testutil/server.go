package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Asset is one file served by a DistServer.
type Asset struct {
	Body []byte
	// Latency delays the response headers.
	Latency time.Duration
	// FailFirst answers the first FailFirst requests with FailStatus.
	FailFirst  int
	FailStatus int
	// Status overrides the success status (e.g. 404 for a missing asset).
	Status int
}

// DistServer is an in-process distribution server for pipeline tests.
type DistServer struct {
	*httptest.Server

	mu       sync.Mutex
	assets   map[string]*Asset
	requests map[string]int
}

// NewDistServer starts a server and closes it when the test ends.
// t is the active test.
func NewDistServer(t testing.TB) *DistServer {
	t.Helper()
	d := &DistServer{assets: map[string]*Asset{}, requests: map[string]int{}}
	d.Server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.Close)
	return d
}

// Add registers an asset at path and returns its absolute URL.
func (d *DistServer) Add(path string, asset Asset) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := asset
	d.assets[path] = &a
	return d.URL + path
}

// Requests returns how many times path was requested.
func (d *DistServer) Requests(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[path]
}

func (d *DistServer) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	asset, ok := d.assets[r.URL.Path]
	d.requests[r.URL.Path]++
	count := d.requests[r.URL.Path]
	d.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if asset.Latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(asset.Latency):
		}
	}
	if count <= asset.FailFirst {
		w.WriteHeader(asset.FailStatus)
		return
	}
	if asset.Status != 0 && asset.Status != http.StatusOK {
		w.WriteHeader(asset.Status)
		return
	}
	_, _ = w.Write(asset.Body)
}
