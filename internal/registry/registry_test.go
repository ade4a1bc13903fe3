package registry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"remedy/internal/config"
	"remedy/internal/domain"
	"remedy/internal/registry"
)

type fakeRemediator struct {
	name string
	typ  string
}

func (f fakeRemediator) Name() string           { return f.name }
func (f fakeRemediator) ObservableType() string { return f.typ }

func (f fakeRemediator) Remove(ctx context.Context, value string) (domain.Outcome, error) {
	return domain.Outcome{Status: domain.OutcomeSuccess}, nil
}

func (f fakeRemediator) Restore(ctx context.Context, value, restoreKey string) (domain.Outcome, error) {
	return domain.Outcome{Status: domain.OutcomeSuccess}, nil
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	g := registry.New()
	if err := g.Register(fakeRemediator{name: "a", typ: "email"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := g.Register(fakeRemediator{name: "a", typ: "file"})
	if err == nil || err.Error() != "remediator a already registered" {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegisterRequiresNameAndType(t *testing.T) {
	g := registry.New()
	if err := g.Register(fakeRemediator{name: "", typ: "email"}); err == nil {
		t.Fatalf("expected error for blank name")
	}
	if err := g.Register(fakeRemediator{name: "a", typ: ""}); err == nil {
		t.Fatalf("expected error for blank type")
	}
}

func TestResolvePrefersFirstRegistered(t *testing.T) {
	g := registry.New()
	first := fakeRemediator{name: "first", typ: "email"}
	second := fakeRemediator{name: "second", typ: "email"}
	if err := g.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := g.Register(second); err != nil {
		t.Fatal(err)
	}
	got, ok := g.Resolve("email")
	if !ok || got.Name() != "first" {
		t.Fatalf("expected first match, got %v ok=%v", got, ok)
	}
	all := g.ForType("email")
	if len(all) != 2 || all[0].Name() != "first" || all[1].Name() != "second" {
		t.Fatalf("unexpected order: %v", all)
	}
	if _, ok := g.Resolve("host"); ok {
		t.Fatalf("expected no match for host")
	}
}

func TestTypesAndAllSorted(t *testing.T) {
	g := registry.New()
	for _, f := range []fakeRemediator{
		{name: "zeta", typ: "url"},
		{name: "alpha", typ: "email"},
		{name: "mid", typ: "email"},
	} {
		if err := g.Register(f); err != nil {
			t.Fatal(err)
		}
	}
	types := g.Types()
	if len(types) != 2 || types[0] != "email" || types[1] != "url" {
		t.Fatalf("unexpected types: %v", types)
	}
	all := g.All()
	if len(all) != 3 || all[0].Name() != "alpha" || all[1].Name() != "mid" || all[2].Name() != "zeta" {
		t.Fatalf("unexpected all order: %v", all)
	}
	if _, ok := g.ForName("mid"); !ok {
		t.Fatalf("expected lookup by name")
	}
	if _, ok := g.ForName("nope"); ok {
		t.Fatalf("expected miss for unknown name")
	}
}

func TestFromConfigBuildsConfiguredDrivers(t *testing.T) {
	entries := []config.RemediatorConfig{
		{Name: "mail", Type: "email", Driver: "log"},
		{Name: "files", Type: "file"},
		{Name: "edr", Type: "host", Driver: "command", Command: []string{"true"}},
		{Name: "proxy", Type: "url", Driver: "http", URL: "http://example.invalid/hook"},
	}
	g, err := registry.FromConfig(entries)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if got := len(g.All()); got != 4 {
		t.Fatalf("expected 4 remediators, got %d", got)
	}
	// A blank driver falls back to the log simulator.
	if r, ok := g.ForName("files"); !ok || r.ObservableType() != "file" {
		t.Fatalf("expected log fallback for files, got %v ok=%v", r, ok)
	}

	_, err = registry.FromConfig([]config.RemediatorConfig{{Name: "x", Type: "email", Driver: "carrier-pigeon"}})
	if err == nil || !strings.Contains(err.Error(), "unknown driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

func TestLogRemediatorSimulates(t *testing.T) {
	r := registry.NewLogRemediator("mailbox-sim", "email")
	out, err := r.Remove(context.Background(), "evil@example.com")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if out.Status != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", out.Status)
	}
	if out.Message != "simulated removal of email evil@example.com" {
		t.Fatalf("unexpected message: %q", out.Message)
	}
	if out.RestoreKey == "" {
		t.Fatalf("expected a restore key")
	}
	out, err = r.Restore(context.Background(), "evil@example.com", out.RestoreKey)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if out.Message != "simulated restore of email evil@example.com" {
		t.Fatalf("unexpected message: %q", out.Message)
	}
}

func TestCommandRemediatorCapturesOutput(t *testing.T) {
	r := registry.NewCommandRemediator("cmd", "host", []string{"sh", "-c", "echo removed ok; echo restore_key=abc-123"})
	out, err := r.Remove(context.Background(), "h1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if out.Status != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s: %s", out.Status, out.Message)
	}
	if out.Message != "removed ok" {
		t.Fatalf("unexpected message: %q", out.Message)
	}
	if out.RestoreKey != "abc-123" {
		t.Fatalf("unexpected restore key: %q", out.RestoreKey)
	}

	r = registry.NewCommandRemediator("cmd", "host", []string{"sh", "-c", "echo denied; exit 3"})
	out, err = r.Remove(context.Background(), "h1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if out.Status != domain.OutcomeError || out.Message != "denied" {
		t.Fatalf("expected reported failure, got %s %q", out.Status, out.Message)
	}

	r = registry.NewCommandRemediator("cmd", "host", nil)
	if _, err := r.Remove(context.Background(), "h1"); err == nil {
		t.Fatalf("expected error for missing command")
	}
}

func TestHTTPRemediatorPostsAction(t *testing.T) {
	var seen struct {
		auth    string
		payload map[string]string
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen.auth = req.Header.Get("Authorization")
		_ = json.NewDecoder(req.Body).Decode(&seen.payload)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "quarantined", "restore_key": "rk-1"})
	}))
	defer ts.Close()

	r := registry.NewHTTPRemediator(config.RemediatorConfig{
		Name: "proxy", Type: "url", Driver: "http", URL: ts.URL, Token: "secret-token",
	})
	out, err := r.Remove(context.Background(), "http://bad.example/x")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if out.Status != domain.OutcomeSuccess || out.Message != "quarantined" || out.RestoreKey != "rk-1" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if seen.auth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header: %q", seen.auth)
	}
	if seen.payload["action"] != "remove" || seen.payload["type"] != "url" || seen.payload["value"] != "http://bad.example/x" {
		t.Fatalf("unexpected payload: %v", seen.payload)
	}

	if _, err := r.Restore(context.Background(), "http://bad.example/x", "rk-1"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if seen.payload["action"] != "restore" || seen.payload["restore_key"] != "rk-1" {
		t.Fatalf("restore payload missing fields: %v", seen.payload)
	}
}

func TestHTTPRemediatorReportsEndpointFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "upstream down"})
	}))
	defer ts.Close()

	r := registry.NewHTTPRemediator(config.RemediatorConfig{Name: "proxy", Type: "url", URL: ts.URL})
	out, err := r.Remove(context.Background(), "http://bad.example/x")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if out.Status != domain.OutcomeError {
		t.Fatalf("expected error outcome, got %s", out.Status)
	}
	if out.Message != "endpoint returned 502: upstream down" {
		t.Fatalf("unexpected message: %q", out.Message)
	}
}
