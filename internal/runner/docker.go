package runner

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime implements the Runtime interface using the Docker SDK.
// The launch script runs inside the configured image with the job's
// directories bind-mounted at identical paths.
type DockerRuntime struct {
	client *client.Client
	image  string
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
	done        chan struct{}
	stopped     atomic.Bool

	mu     sync.Mutex
	result ExitResult
}

func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

func bindMounts(paths []string) []string {
	var binds []string
	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		binds = append(binds, p+":"+p)
	}
	return binds
}

// NewDockerRuntime creates a new Docker-based runtime running scripts in img.
func NewDockerRuntime(img string) (*DockerRuntime, error) {
	if img == "" {
		return nil, fmt.Errorf("docker runtime requires an image")
	}
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{client: cli, image: img}, nil
}

// EnsureImage pulls img unless it is already present locally. An empty img
// means the runtime's default image. Call it at start-up so the first launch
// does not wait for a pull.
func (d *DockerRuntime) EnsureImage(ctx context.Context, img string) error {
	if img == "" {
		img = d.image
	}
	if _, err := d.client.ImageInspect(ctx, img); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	return nil
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	img := opts.Image
	if img == "" {
		img = d.image
	}

	if err := d.EnsureImage(ctx, img); err != nil {
		return nil, err
	}

	command := opts.Command
	if opts.LogFile != "" {
		command = []string{"/bin/sh", "-c", `exec "$@" >>"$RUNPLANE_LAUNCH_LOG" 2>&1`, "launch"}
		command = append(command, opts.Command...)
		if opts.Env == nil {
			opts.Env = map[string]string{}
		}
		opts.Env["RUNPLANE_LAUNCH_LOG"] = opts.LogFile
	}

	containerConfig := &container.Config{
		Image:      img,
		Cmd:        command,
		Env:        mapToEnvList(opts.Env),
		WorkingDir: opts.WorkDir,
		Labels:     map[string]string{"runplane.job": opts.ID},
	}
	hostConfig := &container.HostConfig{
		Binds: bindMounts(opts.Mounts),
	}

	name := ""
	if opts.ID != "" {
		name = "runplane-" + opts.ID
	}
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	h := &DockerHandle{
		client:      d.client,
		containerID: resp.ID,
		done:        make(chan struct{}),
	}
	go h.watch()
	return h, nil
}

// watch waits for the container to stop, records the result and removes it.
func (h *DockerHandle) watch() {
	ctx := context.Background()
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	var res ExitResult
	select {
	case err := <-errCh:
		res = ExitResult{ExitCode: -1, Error: err}
	case status := <-statusCh:
		res = ExitResult{ExitCode: int(status.StatusCode)}
		if status.Error != nil {
			res.Error = fmt.Errorf("%s", status.Error.Message)
		}
	}
	if h.stopped.Load() {
		res.Error = ErrStoppedByUser
	}

	h.mu.Lock()
	h.result = res
	h.mu.Unlock()

	_ = h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	close(h.done)
}

func (h *DockerHandle) ID() string {
	return h.containerID
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop kills the container with SIGKILL.
func (h *DockerHandle) Stop(ctx context.Context) error {
	if !h.Alive() {
		return nil
	}
	h.stopped.Store(true)
	if err := h.client.ContainerKill(ctx, h.containerID, "SIGKILL"); err != nil && h.Alive() {
		return fmt.Errorf("kill container %s: %w", h.containerID, err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *DockerHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *DockerHandle) Done() <-chan struct{} {
	return h.done
}

func (h *DockerHandle) StoppedByUser() bool {
	return h.stopped.Load()
}
