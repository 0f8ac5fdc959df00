package ctlogs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bl4ck0w1/ctsentry/pkg/logging"
)

func newTestResolver() *Resolver {
	return NewResolver(nil, logging.Discard())
}

func sampleDoc() string {
	doc := map[string]interface{}{
		"version": "3.0",
		"operators": []map[string]interface{}{
			{
				"name": "Test Operator",
				"logs": []map[string]interface{}{
					{"url": "https://ct.example.com/usable/", "state": map[string]interface{}{"usable": map[string]interface{}{"timestamp": "2020-01-01T00:00:00Z"}}},
					{"url": "https://ct.example.com/readonly/", "state": map[string]interface{}{"readonly": map[string]interface{}{"timestamp": "2020-01-01T00:00:00Z"}}},
					{"url": "https://ct.example.com/pending/", "state": map[string]interface{}{"pending": map[string]interface{}{"timestamp": "2020-01-01T00:00:00Z"}}},
					{"url": "https://ct.example.com/rejected/", "state": map[string]interface{}{"rejected": map[string]interface{}{"timestamp": "2020-01-01T00:00:00Z"}}},
					{"url": "https://ct.example.com/no-state/"},
					{"url": ""},
				},
			},
		},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

func TestResolveDefaultPolicyAcceptsOnlyUsable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc()))
	}))
	defer srv.Close()

	r := newTestResolver()
	got, err := r.Resolve(context.Background(), srv.URL, AcceptancePolicy{}, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].URL != "https://ct.example.com/usable/" {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveIncludeReadonlyAndPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc()))
	}))
	defer srv.Close()

	r := newTestResolver()
	got, err := r.Resolve(context.Background(), srv.URL, AcceptancePolicy{IncludeReadonly: true, IncludePending: true}, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 accepted logs, got %d: %+v", len(got), got)
	}
}

func TestResolveIncludeAllAcceptsEvenRejectedButNotEmptyURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc()))
	}))
	defer srv.Close()

	r := newTestResolver()
	got, err := r.Resolve(context.Background(), srv.URL, AcceptancePolicy{IncludeAll: true}, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("expected all 5 non-empty-url logs under include_all, got %d", len(got))
	}
}

func TestResolveUnionsAdditionalLogsDeduped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc()))
	}))
	defer srv.Close()

	r := newTestResolver()
	extra := []Descriptor{
		{URL: "https://ct.example.com/usable/"}, // duplicate, must not double-count
		{URL: "https://extra.example.com/log/"},
	}
	got, err := r.Resolve(context.Background(), srv.URL, AcceptancePolicy{}, extra, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected usable + one new extra, got %d: %+v", len(got), got)
	}
}

func TestResolveMaxConcurrentLogsCaps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDoc()))
	}))
	defer srv.Close()

	r := newTestResolver()
	got, err := r.Resolve(context.Background(), srv.URL, AcceptancePolicy{IncludeAll: true}, nil, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(got))
	}
}

func TestResolveFetchFailureFallsBackToStatic(t *testing.T) {
	r := newTestResolver()
	fallback := []Descriptor{{URL: "https://static.example.com/log/"}}
	got, err := r.Resolve(context.Background(), "http://127.0.0.1:0/nonexistent", AcceptancePolicy{}, nil, 0, fallback)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got error: %v", err)
	}
	if len(got) != 1 || got[0].URL != fallback[0].URL {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveFetchFailureFatalWithoutFallback(t *testing.T) {
	r := newTestResolver()
	_, err := r.Resolve(context.Background(), "http://127.0.0.1:0/nonexistent", AcceptancePolicy{}, nil, 0, nil)
	if err == nil {
		t.Fatal("expected ResolverError")
	}
}
