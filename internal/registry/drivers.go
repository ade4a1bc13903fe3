package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"remedy/internal/config"
	"remedy/internal/domain"
)

// LogRemediator records the action and succeeds without touching any external
// system. Useful for simulation and for wiring up new observable types before
// a real capability exists.
type LogRemediator struct {
	name           string
	observableType string
	log            *slog.Logger
}

func NewLogRemediator(name, observableType string) *LogRemediator {
	return &LogRemediator{
		name:           name,
		observableType: observableType,
		log:            slog.Default().With("component", "remediator", "remediator", name),
	}
}

func (r *LogRemediator) Name() string           { return r.name }
func (r *LogRemediator) ObservableType() string { return r.observableType }

func (r *LogRemediator) Remove(_ context.Context, value string) (domain.Outcome, error) {
	r.log.Info("simulated removal", "type", r.observableType, "value", value)
	return domain.Outcome{
		Status:     domain.OutcomeSuccess,
		Message:    fmt.Sprintf("simulated removal of %s %s", r.observableType, value),
		RestoreKey: uuid.NewString(),
	}, nil
}

func (r *LogRemediator) Restore(_ context.Context, value, restoreKey string) (domain.Outcome, error) {
	r.log.Info("simulated restore", "type", r.observableType, "value", value, "restore_key", restoreKey)
	return domain.Outcome{
		Status:  domain.OutcomeSuccess,
		Message: fmt.Sprintf("simulated restore of %s %s", r.observableType, value),
	}, nil
}

// CommandRemediator shells out to a configured program. The observable and
// action are passed through the environment; exit 0 means success and any
// line of output shaped restore_key=<value> is captured as the restore key.
type CommandRemediator struct {
	name           string
	observableType string
	argv           []string
}

func NewCommandRemediator(name, observableType string, argv []string) *CommandRemediator {
	return &CommandRemediator{name: name, observableType: observableType, argv: argv}
}

func (r *CommandRemediator) Name() string           { return r.name }
func (r *CommandRemediator) ObservableType() string { return r.observableType }

func (r *CommandRemediator) Remove(ctx context.Context, value string) (domain.Outcome, error) {
	return r.run(ctx, domain.ActionRemove, value, "")
}

func (r *CommandRemediator) Restore(ctx context.Context, value, restoreKey string) (domain.Outcome, error) {
	return r.run(ctx, domain.ActionRestore, value, restoreKey)
}

func (r *CommandRemediator) run(ctx context.Context, action, value, restoreKey string) (domain.Outcome, error) {
	if len(r.argv) == 0 {
		return domain.Outcome{}, fmt.Errorf("remediator %s has no command configured", r.name)
	}
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Env = append(os.Environ(),
		"REMEDY_ACTION="+action,
		"REMEDY_TYPE="+r.observableType,
		"REMEDY_VALUE="+value,
		"REMEDY_RESTORE_KEY="+restoreKey,
	)
	out, err := cmd.CombinedOutput()
	message, key := parseCommandOutput(string(out))
	if err != nil {
		if message == "" {
			message = err.Error()
		}
		return domain.Outcome{Status: domain.OutcomeError, Message: message}, nil
	}
	if message == "" {
		message = fmt.Sprintf("%s completed", r.argv[0])
	}
	return domain.Outcome{Status: domain.OutcomeSuccess, Message: message, RestoreKey: key}, nil
}

const maxCommandMessage = 1024

func parseCommandOutput(out string) (message, restoreKey string) {
	var kept []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if v, ok := strings.CutPrefix(line, "restore_key="); ok {
			restoreKey = v
			continue
		}
		kept = append(kept, line)
	}
	message = strings.Join(kept, " / ")
	if len(message) > maxCommandMessage {
		message = message[len(message)-maxCommandMessage:]
	}
	return message, restoreKey
}

// HTTPRemediator posts the request to an external remediation endpoint. A 2xx
// response means success; the response body may carry message and
// restore_key fields.
type HTTPRemediator struct {
	name           string
	observableType string
	url            string
	token          string
	apiKey         string
	headers        map[string]string
	client         *http.Client
}

func NewHTTPRemediator(cfg config.RemediatorConfig) *HTTPRemediator {
	return &HTTPRemediator{
		name:           cfg.Name,
		observableType: cfg.Type,
		url:            cfg.URL,
		token:          cfg.Token,
		apiKey:         cfg.APIKey,
		headers:        cfg.Headers,
		client:         &http.Client{Timeout: 5 * time.Minute},
	}
}

func (r *HTTPRemediator) Name() string           { return r.name }
func (r *HTTPRemediator) ObservableType() string { return r.observableType }

func (r *HTTPRemediator) Remove(ctx context.Context, value string) (domain.Outcome, error) {
	return r.post(ctx, domain.ActionRemove, value, "")
}

func (r *HTTPRemediator) Restore(ctx context.Context, value, restoreKey string) (domain.Outcome, error) {
	return r.post(ctx, domain.ActionRestore, value, restoreKey)
}

func (r *HTTPRemediator) post(ctx context.Context, action, value, restoreKey string) (domain.Outcome, error) {
	payload := map[string]string{
		"action": action,
		"type":   r.observableType,
		"value":  value,
	}
	if restoreKey != "" {
		payload["restore_key"] = restoreKey
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Outcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return domain.Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case r.token != "":
		req.Header.Set("Authorization", "Bearer "+r.token)
	case r.apiKey != "":
		req.Header.Set("X-Api-Key", r.apiKey)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed struct {
		Message    string `json:"message"`
		RestoreKey string `json:"restore_key"`
	}
	_ = json.Unmarshal(data, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := parsed.Message
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		if message == "" {
			message = resp.Status
		}
		return domain.Outcome{Status: domain.OutcomeError, Message: fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, message)}, nil
	}
	message := parsed.Message
	if message == "" {
		message = fmt.Sprintf("endpoint accepted %s", action)
	}
	return domain.Outcome{Status: domain.OutcomeSuccess, Message: message, RestoreKey: parsed.RestoreKey}, nil
}
