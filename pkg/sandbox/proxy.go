package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerProxy is the restricted surface the executor is allowed to use.
// Deliberately absent: exec, volume, bind-mount, and privileged operations.
// Production deployments point the endpoint at a filtering proxy; the
// interface keeps this codebase honest about what it needs.
type ContainerProxy interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	CopyTo(ctx context.Context, containerID, destPath string, archive []byte) error
	StartContainer(ctx context.Context, containerID string) error
	WaitContainer(ctx context.Context, containerID string) (int, error)
	ContainerOutput(ctx context.Context, containerID string) (stdout, stderr string, err error)
	CopyFrom(ctx context.Context, containerID string) ([]byte, error)
	RemoveContainer(ctx context.Context, containerID string) error
}

// ContainerSpec is the narrow container description the proxy accepts.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	WorkingDir  string
	NetworkMode string // "none" or a named egress network

	CPUs        float64
	MemoryBytes int64
	PidsLimit   int64
}

// workspaceMount is where the archived workspace lands inside the container.
const workspaceMount = "/workspace"

// dockerProxy implements ContainerProxy on the Docker Engine API. Hardening
// lives here so no caller can create a weaker container: all capabilities
// dropped, no-new-privileges, tmpfs-only writable mounts outside the
// workspace, no binds from the host.
type dockerProxy struct {
	cli *client.Client
}

// NewDockerProxy connects to the container endpoint. An empty endpoint uses
// the environment defaults (development only).
func NewDockerProxy(endpoint string) (ContainerProxy, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = []client.Opt{client.WithHost(endpoint), client.WithAPIVersionNegotiation()}
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating container proxy client: %w", err)
	}
	return &dockerProxy{cli: cli}, nil
}

func (p *dockerProxy) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := p.cli.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	return nil
}

func (p *dockerProxy) PullImage(ctx context.Context, ref string) error {
	reader, err := p.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pulling %s: %v", ErrSandboxUnavailable, ref, err)
	}
	defer reader.Close()
	// The pull completes as the response body drains.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pulling %s: %v", ErrSandboxUnavailable, ref, err)
	}
	return nil
}

func (p *dockerProxy) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkingDir,
	}
	pids := spec.PidsLimit
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp":  "rw,noexec,nosuid,size=64m",
			"/root": "rw,noexec,nosuid,size=16m",
		},
		Resources: container.Resources{
			NanoCPUs:  int64(spec.CPUs * 1e9),
			Memory:    spec.MemoryBytes,
			PidsLimit: &pids,
		},
	}
	resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

func (p *dockerProxy) CopyTo(ctx context.Context, containerID, destPath string, archive []byte) error {
	return p.cli.CopyToContainer(ctx, containerID, destPath,
		bytes.NewReader(archive), container.CopyToContainerOptions{})
}

func (p *dockerProxy) StartContainer(ctx context.Context, containerID string) error {
	return p.cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (p *dockerProxy) WaitContainer(ctx context.Context, containerID string) (int, error) {
	waitCh, errCh := p.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return -1, fmt.Errorf("container wait: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return -1, err
	}
}

func (p *dockerProxy) ContainerOutput(ctx context.Context, containerID string) (string, string, error) {
	reader, err := p.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("reading container logs: %w", err)
	}
	defer reader.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("demuxing container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// CopyFrom exports the container's workspace as a tar archive. Phase
// containers are ephemeral, so build artifacts travel between phases through
// these exports rather than shared volumes.
func (p *dockerProxy) CopyFrom(ctx context.Context, containerID string) ([]byte, error) {
	reader, _, err := p.cli.CopyFromContainer(ctx, containerID, workspaceMount)
	if err != nil {
		return nil, fmt.Errorf("exporting workspace: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading workspace export: %w", err)
	}
	return data, nil
}

func (p *dockerProxy) RemoveContainer(ctx context.Context, containerID string) error {
	return p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
