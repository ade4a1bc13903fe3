package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"remedy/internal/config"
	"remedy/internal/domain"
	"remedy/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher pushes status transitions to configured endpoints. Each
// hook polls the history feed from its own durable cursor, so deliveries
// survive restarts and a slow endpoint never blocks the others.
type WebhookDispatcher struct {
	engine engine.Engine
	hooks  []config.WebhookConfig
	client *http.Client
	log    *slog.Logger
}

func NewWebhookDispatcher(e engine.Engine, log *slog.Logger) *WebhookDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookDispatcher{
		engine: e,
		hooks:  e.Config.Webhooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		log:    log.With("component", "webhooks"),
	}
}

// Run polls until ctx is cancelled. Returns immediately when no hooks are
// configured.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, hook := range d.hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		wg.Add(1)
		go func(hook config.WebhookConfig) {
			defer wg.Done()
			d.runHook(ctx, hook)
		}(hook)
	}
	wg.Wait()
}

func (d *WebhookDispatcher) runHook(ctx context.Context, hook config.WebhookConfig) {
	log := d.log.With("hook", hook.Name)
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		if err := d.dispatch(ctx, hook); err != nil {
			log.Warn("webhook dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatch delivers every matching transition recorded since the hook's
// cursor, stopping at the first failed delivery so the next poll resumes
// from the last acknowledged entry.
func (d *WebhookDispatcher) dispatch(ctx context.Context, hook config.WebhookConfig) error {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	entries, err := d.engine.Repo.HistoryAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	filter := newStatusFilter(hook.Statuses)
	advanced := cursor
	var deliverErr error
	for _, entry := range entries {
		if !filter.match(entry.ToStatus) {
			advanced = entry.ID
			continue
		}
		if err := d.deliver(ctx, hook, entry); err != nil {
			deliverErr = fmt.Errorf("deliver entry %d to %s: %w", entry.ID, hook.URL, err)
			break
		}
		advanced = entry.ID
	}
	if advanced != cursor {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := d.engine.Repo.SetWebhookCursor(ctx, hook.Name, advanced, now); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	return deliverErr
}

// cursorFor returns the hook's stored cursor, seeding a brand-new hook at the
// feed's tail so it only sees transitions recorded after it was configured.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cursor, err := d.engine.Repo.GetWebhookCursor(ctx, hook.Name)
	if err != nil {
		return 0, err
	}
	if cursor > 0 {
		return cursor, nil
	}
	latest, err := d.engine.Repo.LatestHistoryID(ctx)
	if err != nil {
		return 0, err
	}
	if latest > 0 {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := d.engine.Repo.SetWebhookCursor(ctx, hook.Name, latest, now); err != nil {
			return 0, err
		}
	}
	return latest, nil
}

type webhookEvent struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts"`
	Detail     string `json:"detail,omitempty"`
}

func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, entry domain.HistoryEntry) error {
	data, err := json.Marshal(webhookEvent{
		ID:         entry.ID,
		RequestID:  entry.RequestID,
		FromStatus: entry.FromStatus,
		ToStatus:   entry.ToStatus,
		ActorID:    entry.ActorID,
		TS:         entry.TS,
		Detail:     entry.Detail,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Remedy-Event", entry.ToStatus)
	req.Header.Set("X-Remedy-Delivery", fmt.Sprintf("%d", entry.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Remedy-Signature", signPayload(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// signPayload returns "sha256=<hex hmac>" over the request body, letting the
// receiver verify both origin and integrity.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type statusFilter struct {
	all bool
	set map[string]struct{}
}

func newStatusFilter(statuses []string) statusFilter {
	if len(statuses) == 0 {
		return statusFilter{all: true}
	}
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		key := strings.TrimSpace(s)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return statusFilter{all: true}
	}
	return statusFilter{set: set}
}

func (f statusFilter) match(status string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[status]
	return ok
}
