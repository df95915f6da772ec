package tools

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkspace = "/workspace"

// DockerExecutor runs exec commands in an ephemeral container with the
// workspace bind-mounted at /workspace.
type DockerExecutor struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerExecutor connects to the docker daemon from the environment.
func NewDockerExecutor(image string, memoryMB int64, networkMode, workspace string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	return &DockerExecutor{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   abs,
	}, nil
}

// Exec runs cmd in a fresh container. workDir is a host path inside the
// workspace and is mapped to the matching container path.
func (d *DockerExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	dir := containerWorkspace
	if workDir != "" {
		if rel, relErr := filepath.Rel(d.workspace, workDir); relErr == nil && rel != "." {
			dir = path.Join(containerWorkspace, filepath.ToSlash(rel))
		}
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: dir,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{d.workspace + ":" + containerWorkspace},
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	// Logs are read before removal, so the container is removed here
	// rather than with AutoRemove.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = d.client.ContainerKill(killCtx, id, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Ping checks that the daemon answers and the image is present locally.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon: %w", err)
	}
	if _, err := d.client.ImageInspect(ctx, d.image); err != nil {
		return fmt.Errorf("image %s: %w", d.image, err)
	}
	return nil
}

// Close closes the docker client.
func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
