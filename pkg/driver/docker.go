package driver

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/codeready-toolchain/teo/pkg/models"
)

// DockerDriver runs a local runner as a container, one per execution,
// grounded on the teacher pack's container-runner idiom (image pull,
// create, start) but rewritten against the current docker/docker client
// API and parameterized per §6.4's StartRequest instead of a fixed
// "ubuntu" test image.
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver connects to the Docker daemon using the environment
// (DOCKER_HOST and friends), negotiating the API version with the
// daemon.
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("driver: docker client: %w", err)
	}
	return &DockerDriver{cli: cli}, nil
}

func (d *DockerDriver) Type() string { return "docker" }

func (d *DockerDriver) Start(ctx context.Context, req StartRequest) error {
	runnerImage := req.Runner.Metadata["image"]
	img, _ := runnerImage.(string)
	if img == "" {
		return &Error{Kind: ErrBadRequest, Err: fmt.Errorf("runner %d has no configured image", req.Runner.ID)}
	}

	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return &Error{Kind: ErrUnavailable, Err: err}
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	env := []string{
		"TEO_EXECUTION_ID=" + req.ExecutionID,
		"TEO_SHARD_COUNT=" + strconv.Itoa(req.ShardCount),
		"TEO_WEBHOOK_URL=" + req.WebhookURL,
		"TEO_SUITE=" + req.Suite,
		"TEO_ENVIRONMENT=" + req.Environment,
	}
	if req.Secret != "" {
		env = append(env, "TEO_WEBHOOK_SECRET="+req.Secret)
	}

	name := "teo-exec-" + req.ExecutionID
	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: img,
		Env:   env,
	}, &container.HostConfig{AutoRemove: true}, nil, nil, name)
	if err != nil {
		return &Error{Kind: ErrTransient, Err: err}
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return &Error{Kind: ErrTransient, Err: err}
	}
	return nil
}

func (d *DockerDriver) Cancel(ctx context.Context, executionID string, _ models.Runner) {
	name := "teo-exec-" + executionID
	_ = d.cli.ContainerStop(ctx, name, container.StopOptions{})
}

var _ RunnerDriver = (*DockerDriver)(nil)
