package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace cargoes run in
	DefaultNamespace = "nanocl"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdDriver implements Driver on containerd. Cargoes share the host
// network namespace, so every cargo is reachable on the host address.
type ContainerdDriver struct {
	client      *containerd.Client
	namespace   string
	hostAddress string
	logger      zerolog.Logger
}

// NewContainerdDriver connects to containerd
func NewContainerdDriver(socketPath, namespace, hostAddress string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdDriver{
		client:      client,
		namespace:   namespace,
		hostAddress: hostAddress,
		logger:      log.WithComponent("containerd"),
	}, nil
}

// Close closes the containerd client connection
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

func (d *ContainerdDriver) image(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := d.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	d.logger.Info().Str("image", ref).Msg("Pulling image")
	image, err = d.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

// Create creates the container of a cargo, pulling the image when missing
func (d *ContainerdDriver) Create(ctx context.Context, key string, spec types.CargoSpec) error {
	ctx = d.ctx(ctx)

	image, err := d.image(ctx, spec.Image)
	if err != nil {
		return err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(spec.Cmd) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Cmd...))
	}

	labels := map[string]string{LabelEntityKey: key}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	_, err = d.client.NewContainer(
		ctx,
		key,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(key+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", key, err)
	}
	return nil
}

// Start starts the container's task
func (d *ContainerdDriver) Start(ctx context.Context, key string) error {
	ctx = d.ctx(ctx)

	container, err := d.load(ctx, key)
	if err != nil {
		return err
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task for %s: %w", key, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task for %s: %w", key, err)
	}
	return nil
}

// Stop sends SIGTERM and falls back to SIGKILL after timeout
func (d *ContainerdDriver) Stop(ctx context.Context, key string, timeout time.Duration) error {
	ctx = d.ctx(ctx)

	container, err := d.load(ctx, key)
	if err != nil {
		return err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task, the container is not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task %s: %w", key, err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task %s: %w", key, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task %s: %w", key, err)
		}
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task %s: %w", key, err)
	}
	return nil
}

// Remove stops the container and deletes it with its snapshot
func (d *ContainerdDriver) Remove(ctx context.Context, key string) error {
	if err := d.Stop(ctx, key, DefaultStopTimeout); err != nil {
		return err
	}

	ctx = d.ctx(ctx)
	container, err := d.load(ctx, key)
	if err != nil {
		return err
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container %s: %w", key, err)
	}
	return nil
}

// Inspect reports whether the container's task is running. The address is
// always the host address since cargoes use host networking.
func (d *ContainerdDriver) Inspect(ctx context.Context, key string) (*Status, error) {
	ctx = d.ctx(ctx)

	container, err := d.load(ctx, key)
	if err != nil {
		return nil, err
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get labels of %s: %w", key, err)
	}

	status := &Status{Address: d.hostAddress, VersionKey: labels[LabelVersionKey]}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return status, nil
	}
	taskStatus, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status of %s: %w", key, err)
	}
	status.Running = taskStatus.Status == containerd.Running || taskStatus.Status == containerd.Paused
	return status, nil
}

// List returns the keys of containers owned by the daemon
func (d *ContainerdDriver) List(ctx context.Context) ([]string, error) {
	ctx = d.ctx(ctx)

	containers, err := d.client.Containers(ctx, fmt.Sprintf("labels.%q", LabelEntityKey))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	keys := make([]string, 0, len(containers))
	for _, c := range containers {
		keys = append(keys, c.ID())
	}
	return keys, nil
}

func (d *ContainerdDriver) load(ctx context.Context, key string) (containerd.Container, error) {
	container, err := d.client.LoadContainer(ctx, key)
	if errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", key, err)
	}
	return container, nil
}
