package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/jsdbg/jsdbg/internal/config"
	"github.com/jsdbg/jsdbg/internal/logging"
)

const imageRepo = "jsdbg/target"

// Docker provisions sandboxes as containers on the local Docker daemon.
type Docker struct {
	cli  *client.Client
	cfg  config.SandboxConfig
	log  *logging.Logger
	http *retryablehttp.Client
}

// NewDocker connects to the Docker daemon using the standard environment
// configuration (DOCKER_HOST etc).
func NewDocker(cfg config.SandboxConfig, log *logging.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker is not available: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.DiscoverRetries
	rc.RetryWaitMin = cfg.DiscoverInterval
	rc.RetryWaitMax = 2 * cfg.DiscoverInterval
	rc.Logger = nil

	return &Docker{cli: cli, cfg: cfg, log: log, http: rc}, nil
}

// Provision builds (or reuses) the image for the spec, starts a container
// with the inspector port published, and resolves the inspector websocket
// endpoint.
func (d *Docker) Provision(ctx context.Context, spec Spec) (*Env, error) {
	tag := imageTag(spec)

	cached, err := d.imageExists(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}
	if cached {
		d.log.Debug("using cached image", zap.String("tag", tag))
	} else if err := d.build(ctx, spec, tag); err != nil {
		return nil, err
	}

	containerID, hostPort, err := d.start(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}

	// Give the inspector a moment to bind before polling
	select {
	case <-time.After(d.cfg.StartupDelay):
	case <-ctx.Done():
		d.stop(context.Background(), containerID)
		return nil, ctx.Err()
	}

	endpoint, err := d.discover(ctx, hostPort)
	if err != nil {
		running := d.isRunning(context.Background(), containerID)
		d.stop(context.Background(), containerID)
		if !running {
			// The container died before exposing the inspector: the entry
			// code failed to start.
			return nil, fmt.Errorf("%w: %v", ErrInjection, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}

	d.log.Info("sandbox provisioned",
		zap.String("container", containerID[:12]),
		zap.String("endpoint", endpoint))

	return &Env{ContainerID: containerID, Endpoint: endpoint, HostPort: hostPort}, nil
}

// Teardown stops the container. Already-gone containers are not an error;
// teardown races with AutoRemove.
func (d *Docker) Teardown(ctx context.Context, env *Env) error {
	if err := d.stop(ctx, env.ContainerID); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", env.ContainerID[:12], err)
	}
	return nil
}

func (d *Docker) build(ctx context.Context, spec Spec, tag string) error {
	d.log.Info("building sandbox image", zap.String("tag", tag))

	buildCtx, err := buildContext(spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInjection, err)
	}

	bctx, cancel := context.WithTimeout(ctx, d.cfg.BuildTimeout)
	defer cancel()

	resp, err := d.cli.ImageBuild(bctx, buildCtx, types.ImageBuildOptions{
		Tags:   []string{tag},
		Remove: true,
	})
	if err != nil {
		return fmt.Errorf("%w: image build: %v", ErrProvision, err)
	}
	defer resp.Body.Close()

	// The build result arrives as a JSON message stream; failures are
	// reported in-band.
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("%w: reading build output: %v", ErrProvision, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("%w: image build: %s", ErrProvision, msg.Error)
		}
	}
	return nil
}

func (d *Docker) start(ctx context.Context, tag string) (string, string, error) {
	port := nat.Port(fmt.Sprintf("%d/tcp", d.cfg.InspectPort))

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        tag,
			Cmd:          entryCommand(containerEntrypoint, d.cfg.InspectPort),
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		&container.HostConfig{
			AutoRemove: true,
			PortBindings: nat.PortMap{
				port: []nat.PortBinding{{HostIP: "127.0.0.1"}},
			},
		},
		nil, nil, "")
	if err != nil {
		return "", "", fmt.Errorf("container create: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", "", fmt.Errorf("container start: %w", err)
	}

	info, err := d.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		d.stop(context.Background(), created.ID)
		return "", "", fmt.Errorf("container inspect: %w", err)
	}
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		d.stop(context.Background(), created.ID)
		return "", "", fmt.Errorf("inspector port %s not published", port)
	}

	return created.ID, bindings[0].HostPort, nil
}

func (d *Docker) stop(ctx context.Context, containerID string) error {
	timeout := int(d.cfg.StopTimeout.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (d *Docker) isRunning(ctx context.Context, containerID string) bool {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (d *Docker) imageExists(ctx context.Context, tag string) (bool, error) {
	list, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", tag)),
	})
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// imageTag derives the image tag from the project path and the entry code,
// so different code snippets never reuse each other's image.
func imageTag(spec Spec) string {
	h := sha256.New()
	if spec.ProjectDir != "" {
		abs, err := filepath.Abs(spec.ProjectDir)
		if err == nil {
			h.Write([]byte(abs))
		}
	}
	h.Write([]byte("::"))
	h.Write([]byte(spec.Code))
	return fmt.Sprintf("%s:%x", imageRepo, h.Sum(nil)[:8])
}

// entryCommand debugs a .ts or .js entrypoint, always waiting for the
// debugger before the first statement runs.
func entryCommand(entry string, port int) []string {
	flags := []string{
		fmt.Sprintf("--inspect-wait=0.0.0.0:%d", port),
		"--enable-source-maps",
		"--preserve-symlinks",
	}

	if filepath.Ext(entry) == ".ts" {
		return append(append([]string{"npx", "tsx"}, flags...), entry)
	}
	return append(append([]string{"node"}, flags...), entry)
}
