package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/codeready-toolchain/teo/pkg/models"
)

// queueJob is the message body published to a runner's work queue.
type queueJob struct {
	ExecutionID string         `json:"execution_id"`
	ShardCount  int            `json:"shard_count"`
	WebhookURL  string         `json:"webhook_url"`
	Secret      string         `json:"secret,omitempty"`
	Suite       string         `json:"suite"`
	Environment string         `json:"environment"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// QueueDriver dispatches executions to bare-host runner agents by
// publishing a job onto an AMQP queue, grounded on the teacher pack's
// AmqpQueue producer. The runner's EndpointURL is the AMQP queue name;
// cancellation is not supported over a fire-and-forget queue.
type QueueDriver struct {
	conn *amqp.Connection
}

// NewQueueDriver dials the broker once and reuses the connection across
// Start calls, opening a fresh channel per publish (channels are not
// safe for concurrent use, connections are).
func NewQueueDriver(amqpURL string) (*QueueDriver, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("driver: amqp dial: %w", err)
	}
	return &QueueDriver{conn: conn}, nil
}

func (d *QueueDriver) Type() string { return "queue" }

func (d *QueueDriver) Start(_ context.Context, req StartRequest) error {
	body, err := json.Marshal(queueJob{
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

	queueName := req.Runner.EndpointURL
	if queueName == "" {
		return &Error{Kind: ErrBadRequest, Err: fmt.Errorf("runner %d has no configured queue name", req.Runner.ID)}
	}

	ch, err := d.conn.Channel()
	if err != nil {
		return &Error{Kind: ErrUnavailable, Err: err}
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return &Error{Kind: ErrUnavailable, Err: err}
	}

	err = ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return &Error{Kind: ErrTransient, Err: err}
	}
	return nil
}

func (d *QueueDriver) Cancel(_ context.Context, _ string, _ models.Runner) {}

// Close releases the underlying AMQP connection.
func (d *QueueDriver) Close() error {
	return d.conn.Close()
}

var _ RunnerDriver = (*QueueDriver)(nil)
