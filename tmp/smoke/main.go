package main

// Manual end-to-end check: boots the full stack in a throwaway workspace,
// pushes requests through the engine, and walks the session view over HTTP.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"remedy/internal/app"
	"remedy/internal/engine"
	"remedy/internal/server"
	remedysdk "remedy/sdk/go"
)

func main() {
	workspace := filepath.Join(os.TempDir(), "remedy-smoke")
	os.RemoveAll(workspace)
	ctx := context.Background()

	a, err := app.Open(ctx, workspace)
	if err != nil {
		panic(err)
	}
	defer a.Close()
	if err := app.GrantRole(ctx, a.Repo, "smoke", "admin"); err != nil {
		panic(err)
	}

	h, err := server.New(server.Config{
		Engine:   a.Engine,
		Query:    a.Query,
		BasePath: "/v0",
		Auth: server.AuthConfig{
			JWTSecret: "smoke-secret",
			DevLogin:  true,
		},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	client := remedysdk.New(ts.URL)
	client.BearerToken = devLogin(ts.URL, "smoke")

	for _, v := range []string{"alice@example.com", "bob@example.com", "carol@example.com"} {
		res, err := client.Create(ctx, "email", v)
		if err != nil {
			panic(err)
		}
		fmt.Printf("created %s status=%s queued=%v\n", res.ID, res.Status, res.Queued)
	}
	bulk, err := client.Bulk(ctx, "url", []string{"https://bad.example/a", "https://bad.example/b"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("bulk created=%d queued=%d warning=%q\n", bulk.Created, bulk.Queued, bulk.Warning)

	exec := engine.NewExecutor(a.Engine, slog.Default())
	n, err := exec.Drain(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("drained %d request(s)\n", n)

	w, err := client.View(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("view: %s (session %s)\n", w.Display, client.SessionID)
	w, err = client.ViewFilter(ctx, "status", "COMPLETED")
	if err != nil {
		panic(err)
	}
	fmt.Printf("completed view: %s\n", w.Display)
	w, err = client.ViewPage(ctx, "end")
	if err != nil {
		panic(err)
	}
	fmt.Printf("last page: %s\n", w.Display)

	if len(w.Items) > 0 {
		id := w.Items[0].ID
		hw, err := client.History(ctx, id, "", 0)
		if err != nil {
			panic(err)
		}
		fmt.Printf("history of %s: %s\n", id, hw.Display)
		for _, e := range hw.Entries {
			fmt.Printf("  %s %s -> %s (%s)\n", e.TS, e.FromStatus, e.ToStatus, e.Detail)
		}
		res, err := client.Restore(ctx, id)
		if err != nil {
			panic(err)
		}
		fmt.Printf("restore affected=%d\n", res.Affected)
	}
}

func devLogin(baseURL, actorID string) string {
	body, _ := json.Marshal(map[string]any{"actor_id": actorID})
	res, err := http.Post(baseURL+"/v0/auth/dev/login", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("dev login status %d", res.StatusCode))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		panic(err)
	}
	return out.Token
}
