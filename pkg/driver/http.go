package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codeready-toolchain/teo/pkg/models"
)

// httpStartPayload is the body posted to a runner's EndpointURL. Covers
// the jenkins/gitlab-ci/azure-devops style runners named in spec.md §1
// that speak a simple REST trigger contract rather than a dedicated SDK.
type httpStartPayload struct {
	ExecutionID string         `json:"execution_id"`
	ShardCount  int            `json:"shard_count"`
	WebhookURL  string         `json:"webhook_url"`
	Secret      string         `json:"secret,omitempty"`
	Suite       string         `json:"suite"`
	Environment string         `json:"environment"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// HTTPDriver is the generic REST adapter for runners of type "http": POST
// StartRequest as JSON to runner.EndpointURL, DELETE-equivalent
// best-effort to cancel. The Gateway picks adapters by exact runner type,
// so runners of other types are never handed to it.
type HTTPDriver struct {
	client *http.Client
}

// NewHTTPDriver creates an HTTPDriver with the given per-request timeout.
func NewHTTPDriver(timeout time.Duration) *HTTPDriver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDriver{client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDriver) Type() string { return "http" }

func (d *HTTPDriver) Start(ctx context.Context, req StartRequest) error {
	body, err := json.Marshal(httpStartPayload{
		ExecutionID: req.ExecutionID,
		ShardCount:  req.ShardCount,
		WebhookURL:  req.WebhookURL,
		Secret:      req.Secret,
		Suite:       req.Suite,
		Environment: req.Environment,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return &Error{Kind: ErrBadRequest, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Runner.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: ErrBadRequest, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return &Error{Kind: ErrUnavailable, Err: err}
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp.StatusCode)
}

func (d *HTTPDriver) Cancel(ctx context.Context, executionID string, runner models.Runner) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, runner.EndpointURL+"/"+executionID, nil)
	if err != nil {
		return
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func classifyHTTPStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Error{Kind: ErrUnauthorized, Err: fmt.Errorf("http status %d", code)}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &Error{Kind: ErrBadRequest, Err: fmt.Errorf("http status %d", code)}
	case code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests || code == http.StatusGatewayTimeout:
		return &Error{Kind: ErrUnavailable, Err: fmt.Errorf("http status %d", code)}
	default:
		return &Error{Kind: ErrTransient, Err: fmt.Errorf("http status %d", code)}
	}
}

var _ RunnerDriver = (*HTTPDriver)(nil)
