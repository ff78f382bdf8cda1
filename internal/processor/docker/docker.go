// Package docker runs job steps inside containers using the Docker API.
// Each step is one container: the engine image is started with the step's
// flags, waited on and removed. The input and output roots are bind-mounted
// at the same paths so step arguments need no rewriting.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/szytwo/facefusion/internal/apperrors"
	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/processor"
)

const (
	labelJobID     = "facefusion.job.id"
	labelStep      = "facefusion.job.step"
	labelManagedBy = "managed-by"
	managedBy      = "facefusion"
	logTail        = "50"
)

// gpuProviders are the execution providers that need the host GPU.
var gpuProviders = []string{"cuda", "tensorrt"}

// Processor implements job.StepProcessor using Docker.
type Processor struct {
	client *client.Client
	cfg    Config
	state  *stateRepo
}

var _ job.StepProcessor = (*Processor)(nil)

// New creates a container processor and removes step containers left
// behind by a previous process.
func New(ctx context.Context, cfg Config) (*Processor, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	p := &Processor{
		client: dockerClient,
		cfg:    cfg.withDefaults(),
		state:  newStateRepo(),
	}
	if err := p.reconcile(ctx); err != nil {
		slog.Warn("Failed to remove stale step containers", "error", err)
	}
	return p, nil
}

// reconcile removes containers from steps that were running when a previous
// process died. Their jobs stay queued and re-run every step.
func (p *Processor) reconcile(ctx context.Context) error {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("Removing stale step container", "jobId", c.Labels[labelJobID], "step", c.Labels[labelStep], "container", c.ID)
		p.removeContainer(ctx, c.ID)
	}
	return nil
}

// ProcessStep runs one step to completion. A non-zero exit fails the step
// with the tail of the container's logs.
func (p *Processor) ProcessStep(ctx context.Context, req job.StepRequest) error {
	logger := slog.With("jobId", req.JobID, "step", req.Index)

	// Pull with a detached context so an HTTP timeout doesn't cancel it.
	if err := p.pullImageIfNeeded(context.WithoutCancel(ctx), p.cfg.Image); err != nil {
		return apperrors.Internal("docker.pullImage", err)
	}

	containerID, err := p.createStepContainer(ctx, req)
	if err != nil {
		return apperrors.Internal("docker.createContainer", err)
	}
	p.state.commit(req.JobID, containerID)
	defer func() {
		p.state.release(req.JobID)
		p.removeContainer(context.WithoutCancel(ctx), containerID)
	}()

	start := time.Now()
	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return apperrors.Internal("docker.startContainer", err)
	}
	logger.Debug("Step container started", "container", containerID, "image", p.cfg.Image)

	exitCode, err := p.waitForExit(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed waiting for container: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("container exited with code %d: %s", exitCode, p.logTail(ctx, containerID))
	}
	logger.Debug("Step container finished", "duration", time.Since(start))
	return nil
}

// Running returns the container of a job's current step, if any.
func (p *Processor) Running(jobID string) (string, bool) {
	return p.state.get(jobID)
}

// Close stops every step container still running and releases the client.
func (p *Processor) Close() error {
	ctx := context.Background()
	for jobID, containerID := range p.state.list() {
		slog.Warn("Stopping step container on shutdown", "jobId", jobID, "container", containerID)
		p.removeContainer(ctx, containerID)
	}
	return p.client.Close()
}

// Ready checks if the Docker daemon is reachable and responsive.
func (p *Processor) Ready(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

func (p *Processor) createStepContainer(ctx context.Context, req job.StepRequest) (string, error) {
	cmd := append(slices.Clone(p.cfg.Command), processor.Flags(req.Arguments, req.Config)...)

	containerConfig := &container.Config{
		Image:      p.cfg.Image,
		Cmd:        cmd,
		WorkingDir: p.cfg.WorkDir,
		Labels: map[string]string{
			labelJobID:     req.JobID,
			labelStep:      strconv.Itoa(req.Index),
			labelManagedBy: managedBy,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts:     bindMounts(p.cfg.Mounts, req.Arguments),
		ExtraHosts: p.cfg.ExtraHosts,
		Resources: container.Resources{
			DeviceRequests: deviceRequests(req.Config, p.cfg.GPUDriver),
		},
	}

	name := fmt.Sprintf("facefusion-%s-step-%d", req.JobID, req.Index)
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// bindMounts mounts each root and every directory a step path lives in that
// no root covers, all at their host paths.
func bindMounts(roots []string, args job.Arguments) []mount.Mount {
	var dirs []string
	add := func(dir string) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return
		}
		for _, d := range dirs {
			if abs == d || strings.HasPrefix(abs, d+string(filepath.Separator)) {
				return
			}
		}
		dirs = append(dirs, abs)
	}

	for _, root := range roots {
		if root != "" {
			add(root)
		}
	}
	paths := append(args.Strings(job.KeySourcePaths), args.String(job.KeyTargetPath), args.String(job.KeyOutputPath))
	for _, path := range paths {
		if path != "" {
			add(filepath.Dir(path))
		}
	}

	mounts := make([]mount.Mount, 0, len(dirs))
	for _, dir := range dirs {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: dir, Target: dir})
	}
	return mounts
}

// deviceRequests asks for the host GPUs when the run uses a GPU provider.
func deviceRequests(cfg job.RunConfig, driver string) []container.DeviceRequest {
	if !slices.ContainsFunc(gpuProviders, cfg.UsesProvider) {
		return nil
	}
	req := container.DeviceRequest{
		Driver:       driver,
		Count:        -1,
		Capabilities: [][]string{{"gpu"}},
	}
	if cfg.ExecutionDeviceID != "" {
		req.Count = 0
		req.DeviceIDs = []string{cfg.ExecutionDeviceID}
	}
	return []container.DeviceRequest{req}
}

func (p *Processor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := p.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// logTail returns the last lines the container wrote to stdout and stderr.
func (p *Processor) logTail(ctx context.Context, containerID string) string {
	logs, err := p.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
	})
	if err != nil {
		return "logs unavailable: " + err.Error()
	}
	defer logs.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, logs); err != nil && err != io.EOF {
		return "logs unavailable: " + err.Error()
	}
	return strings.TrimSpace(out.String())
}

func (p *Processor) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := p.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Processor) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	timeout := int(p.cfg.StopGrace.Seconds())
	_ = p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	_ = p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
