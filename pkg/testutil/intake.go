package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ajitpratap0/intakeflow/pkg/json"
)

// IntakeRequest is one body received by FakeIntake.
type IntakeRequest struct {
	IntakeKey string   `json:"intake_key"`
	Events    []string `json:"events"`
	// Header is the X-INTAKE-KEY header value
	Header string `json:"-"`
}

// FakeIntake is an intake bus that answers every valid push with one id
// per event. The first FailFirst requests get a 500.
type FakeIntake struct {
	*httptest.Server

	mu        sync.Mutex
	requests  []IntakeRequest
	calls     int
	failFirst int
	status    int
}

// NewFakeIntake starts a fake intake closed with the test.
func NewFakeIntake(t *testing.T) *FakeIntake {
	t.Helper()
	f := &FakeIntake{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// FailFirst makes the next n requests fail with a 500.
func (f *FakeIntake) FailFirst(n int) {
	f.mu.Lock()
	f.failFirst = f.calls + n
	f.mu.Unlock()
}

// FailWith makes every request fail with status until called with 0.
func (f *FakeIntake) FailWith(status int) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *FakeIntake) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	fail := n <= f.failFirst
	status := f.status
	f.mu.Unlock()

	if r.URL.Path != "/batch" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	var req IntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Get("X-INTAKE-KEY")

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	ids := make([]string, len(req.Events))
	for i := range ids {
		ids[i] = fmt.Sprintf("ev-%d-%d", n, i)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"event_ids": ids})
}

// Requests returns the accepted pushes in arrival order.
func (f *FakeIntake) Requests() []IntakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IntakeRequest(nil), f.requests...)
}

// Events flattens every accepted push.
func (f *FakeIntake) Events() []string {
	var out []string
	for _, r := range f.Requests() {
		out = append(out, r.Events...)
	}
	return out
}

// Calls counts every request, failed ones included.
func (f *FakeIntake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
