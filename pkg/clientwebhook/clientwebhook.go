// Package clientwebhook delivers terminal execution state to the
// client-supplied webhook_url (spec.md §6.3): at-least-once, with
// bounded exponential backoff, mirroring the Driver Gateway's own
// retry idiom for the symmetric outbound case.
package clientwebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/models"
	"github.com/codeready-toolchain/teo/pkg/store"
)

// Config tunes delivery retries.
type Config struct {
	Retries     int // CLIENT_WEBHOOK_RETRIES, default 3
	BackoffBase time.Duration
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Results mirrors the webhook body's "results" object.
type Results struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Payload is the body POSTed to an execution's webhook_url on its
// terminal state, per spec.md §6.3.
type Payload struct {
	ExecutionID string              `json:"execution_id"`
	Status      string              `json:"status"`
	Results     *Results            `json:"results,omitempty"`
	FailedTests []models.FailedTest `json:"failed_tests,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
}

// Deliverer posts terminal-state payloads to client webhook URLs.
type Deliverer struct {
	store  store.Store
	client *http.Client
	cfg    Config
}

// New creates a Deliverer.
func New(st store.Store, cfg Config) *Deliverer {
	cfg = cfg.withDefaults()
	return &Deliverer{store: st, client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

// Run subscribes to bus and delivers a webhook for every
// ExecutionCompleted event whose execution has a webhook_url, until ctx
// is cancelled. Each delivery runs in its own goroutine so one slow or
// misbehaving client endpoint never delays another execution's webhook.
func (d *Deliverer) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(ctx)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type != events.TypeExecutionCompleted {
				continue
			}
			go d.deliver(ctx, ev.ExecutionID)
		}
	}
}

func (d *Deliverer) deliver(ctx context.Context, executionID string) {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		slog.Error("clientwebhook: failed to load execution", "execution_id", executionID, "error", err)
		return
	}
	if exec.WebhookURL == "" {
		return
	}

	payload := toPayload(exec)
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("clientwebhook: failed to encode payload", "execution_id", executionID, "error", err)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffBase
	policy := backoff.WithMaxRetries(b, uint64(d.cfg.Retries))

	err = backoff.Retry(func() error {
		return d.post(ctx, exec.WebhookURL, body)
	}, policy)
	if err != nil {
		slog.Error("clientwebhook: delivery exhausted retries", "execution_id", executionID, "url", exec.WebhookURL, "error", err)
	}
}

func (d *Deliverer) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("clientwebhook: client rejected delivery: %d", resp.StatusCode))
	}
	return fmt.Errorf("clientwebhook: delivery failed: %d", resp.StatusCode)
}

func toPayload(exec *models.Execution) Payload {
	p := Payload{
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		Metadata:    exec.Metadata,
	}
	if exec.AggregatedResults != nil {
		p.Results = &Results{
			Total:   exec.AggregatedResults.Total,
			Passed:  exec.AggregatedResults.Passed,
			Failed:  exec.AggregatedResults.Failed,
			Skipped: exec.AggregatedResults.Skipped,
		}
		p.FailedTests = exec.AggregatedResults.FailedTests
	}
	return p
}
