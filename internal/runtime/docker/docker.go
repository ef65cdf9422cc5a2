package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/example/devstack/internal/resources"
	"github.com/example/devstack/internal/runtime"
	"github.com/example/devstack/internal/runtime/containerutil"
	"github.com/example/devstack/internal/stack"
)

const stopGracePeriod = 10 * time.Second

func init() {
	runtime.Register("docker", func() runtime.Runtime { return New() })
}

// Runtime is a Docker backed runtime adapter. Besides launching instances it
// implements image builds, stack discovery, teardown, and log streaming for
// the CLI commands that run outside the process that started the stack.
type Runtime struct {
	client     *client.Client
	clientOnce sync.Once
	clientErr  error
}

// New returns a Docker backed runtime implementation. The daemon connection
// is established lazily on first use.
func New() *Runtime {
	return &Runtime{}
}

func (r *Runtime) getClient() (*client.Client, error) {
	r.clientOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			r.clientErr = err
			return
		}
		r.client = cli
	})
	return r.client, r.clientErr
}

func (r *Runtime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Instance, error) {
	if spec.Spec == nil {
		return nil, errors.New("service definition is required")
	}

	cli, err := r.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	svc := spec.Spec.Clone()
	image := spec.Image
	if image == "" {
		image = svc.Image
	}
	if image == "" {
		return nil, errors.New("service image is required")
	}

	if err := ensureImage(ctx, cli, image); err != nil {
		return nil, err
	}
	if spec.Network != "" {
		if err := ensureNetwork(ctx, cli, spec.Network, spec.Stack); err != nil {
			return nil, err
		}
	}
	if err := removeStaleContainer(ctx, cli, spec.InstanceName); err != nil {
		return nil, err
	}

	containerCfg, hostCfg, err := buildConfigs(spec, svc, image)
	if err != nil {
		return nil, err
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: []string{spec.Service}},
			},
		}
	}

	createResp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	containerID := createResp.ID

	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		removeErr := cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})
		if removeErr != nil && !client.IsErrNotFound(removeErr) {
			return nil, fmt.Errorf("container start: %w (remove: %v)", err, removeErr)
		}
		return nil, fmt.Errorf("container start: %w", err)
	}

	inst := newInstance(cli, containerID, spec.InstanceName)
	inst.startLogStreamer()
	inst.startWaiter()
	return inst, nil
}

// Build produces an image from the service build context and returns the
// tag it was built under.
func (r *Runtime) Build(ctx context.Context, spec runtime.BuildSpec) (string, error) {
	cli, err := r.getClient()
	if err != nil {
		return "", fmt.Errorf("create docker client: %w", err)
	}

	buildCtx, err := archive.TarWithOptions(spec.Context, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("archive build context %s: %w", spec.Context, err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: spec.Dockerfile,
		Remove:     true,
		Labels:     spec.Labels,
	}
	resp, err := cli.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}
	return spec.Tag, nil
}

// List discovers the stack's containers through their labels.
func (r *Runtime) List(ctx context.Context, stackName string) ([]runtime.ServiceStatus, error) {
	cli, err := r.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	args := filters.NewArgs(filters.Arg("label", runtime.LabelStack+"="+stackName))
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	statuses := make([]runtime.ServiceStatus, 0, len(containers))
	for _, c := range containers {
		statuses = append(statuses, containerStatus(stackName, c))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Service < statuses[j].Service
	})
	return statuses, nil
}

// Terminate stops and removes a discovered container.
func (r *Runtime) Terminate(ctx context.Context, status runtime.ServiceStatus) error {
	cli, err := r.getClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}

	sec := int(stopGracePeriod.Seconds())
	if err := cli.ContainerStop(ctx, status.ID, container.StopOptions{Timeout: &sec}); err != nil && !client.IsErrNotFound(err) {
		if killErr := cli.ContainerKill(ctx, status.ID, "SIGKILL"); killErr != nil && !client.IsErrNotFound(killErr) {
			return fmt.Errorf("container stop: %v; kill: %w", err, killErr)
		}
	}
	if err := cli.ContainerRemove(ctx, status.ID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// RemoveNetwork tears down the per-stack network. Missing networks are not
// an error so that repeated down invocations stay idempotent.
func (r *Runtime) RemoveNetwork(ctx context.Context, stackName string) error {
	cli, err := r.getClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	if err := cli.NetworkRemove(ctx, runtime.NetworkName(stackName)); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("network remove: %w", err)
	}
	return nil
}

// StreamLogs attaches to a discovered container's log stream.
func (r *Runtime) StreamLogs(ctx context.Context, status runtime.ServiceStatus, follow bool, tail string) (<-chan runtime.LogEntry, error) {
	cli, err := r.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if tail == "" {
		tail = "all"
	}
	reader, err := cli.ContainerLogs(ctx, status.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	out := make(chan runtime.LogEntry, 128)
	go func() {
		defer close(out)
		defer reader.Close()
		emit := func(entry runtime.LogEntry) {
			select {
			case out <- entry:
			case <-ctx.Done():
			}
		}
		stdout := containerutil.NewLogWriter(ctx, emit, runtime.LogSourceStdout, "")
		stderr := containerutil.NewLogWriter(ctx, emit, runtime.LogSourceStderr, "warn")
		_, _ = stdcopy.StdCopy(stdout, stderr, reader)
		stdout.Close()
		stderr.Close()
	}()
	return out, nil
}

type dockerInstance struct {
	cli         *client.Client
	containerID string
	name        string

	logs    chan runtime.LogEntry
	logCtx  context.Context
	logStop context.CancelFunc
	logDone chan struct{}

	waitCh chan error

	stopOnce sync.Once
	stopErr  error
}

func newInstance(cli *client.Client, id, name string) *dockerInstance {
	logCtx, logCancel := context.WithCancel(context.Background())
	return &dockerInstance{
		cli:         cli,
		containerID: id,
		name:        name,
		logs:        make(chan runtime.LogEntry, 128),
		logCtx:      logCtx,
		logStop:     logCancel,
		logDone:     make(chan struct{}),
		waitCh:      make(chan error, 1),
	}
}

func (i *dockerInstance) ID() string {
	return i.containerID
}

func (i *dockerInstance) startLogStreamer() {
	go func() {
		defer close(i.logs)
		defer close(i.logDone)
		reader, err := i.cli.ContainerLogs(i.logCtx, i.containerID, types.ContainerLogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
			Tail:       "all",
		})
		if err != nil {
			return
		}
		defer reader.Close()

		emit := func(entry runtime.LogEntry) {
			select {
			case i.logs <- entry:
			case <-i.logCtx.Done():
			}
		}
		stdout := containerutil.NewLogWriter(i.logCtx, emit, runtime.LogSourceStdout, "")
		stderr := containerutil.NewLogWriter(i.logCtx, emit, runtime.LogSourceStderr, "warn")
		_, _ = stdcopy.StdCopy(stdout, stderr, reader)
		stdout.Close()
		stderr.Close()
	}()
}

func (i *dockerInstance) startWaiter() {
	go func() {
		statusCh, errCh := i.cli.ContainerWait(context.Background(), i.containerID, container.WaitConditionNextExit)
		select {
		case err := <-errCh:
			i.waitCh <- err
		case resp := <-statusCh:
			i.waitCh <- waitResponseError(resp)
		}
	}()
}

func (i *dockerInstance) Wait() <-chan error {
	return i.waitCh
}

func (i *dockerInstance) Logs() <-chan runtime.LogEntry {
	return i.logs
}

func (i *dockerInstance) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() {
		defer i.shutdownStreams()
		sec := int(stopGracePeriod.Seconds())
		if err := i.cli.ContainerStop(ctx, i.containerID, container.StopOptions{Timeout: &sec}); err != nil && !client.IsErrNotFound(err) {
			if killErr := i.cli.ContainerKill(ctx, i.containerID, "SIGKILL"); killErr != nil && !client.IsErrNotFound(killErr) {
				i.stopErr = fmt.Errorf("container stop: %v; kill: %w", err, killErr)
				return
			}
		}
		if err := i.cli.ContainerRemove(ctx, i.containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			i.stopErr = fmt.Errorf("container remove: %w", err)
		}
	})
	return i.stopErr
}

func (i *dockerInstance) shutdownStreams() {
	if i.logStop != nil {
		i.logStop()
	}
	<-i.logDone
}

func waitResponseError(resp container.WaitResponse) error {
	if resp.Error != nil {
		return errors.New(resp.Error.Message)
	}
	if resp.StatusCode != 0 {
		return fmt.Errorf("container exited with status %d", resp.StatusCode)
	}
	return nil
}

func ensureImage(ctx context.Context, cli *client.Client, imageName string) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	reader, err := cli.ImagePull(ctx, imageName, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func ensureNetwork(ctx context.Context, cli *client.Client, name, stackName string) error {
	_, err := cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect network: %w", err)
	}
	_, err = cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Labels: runtime.StackLabels(stackName),
	})
	if err != nil && !errdefs.IsConflict(err) {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

// removeStaleContainer clears a leftover container holding the instance
// name, e.g. after a crashed process that never ran teardown.
func removeStaleContainer(ctx context.Context, cli *client.Client, name string) error {
	if name == "" {
		return nil
	}
	args := filters.NewArgs(filters.Arg("name", name))
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("container list: %w", err)
	}
	for _, c := range containers {
		if !containerNamed(c, name) {
			continue
		}
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("remove stale container %s: %w", name, err)
		}
	}
	return nil
}

// containerNamed guards against the daemon's substring name filter matching
// a longer container name.
func containerNamed(c types.Container, name string) bool {
	for _, n := range c.Names {
		if strings.TrimPrefix(n, "/") == name {
			return true
		}
	}
	return false
}

func containerStatus(stackName string, c types.Container) runtime.ServiceStatus {
	status := runtime.ServiceStatus{
		Stack:     stackName,
		Service:   c.Labels[runtime.LabelService],
		ID:        c.ID,
		Image:     c.Image,
		State:     c.State,
		Status:    c.Status,
		CreatedAt: time.Unix(c.Created, 0),
	}
	if len(c.Names) > 0 {
		status.InstanceName = strings.TrimPrefix(c.Names[0], "/")
	}
	for _, p := range c.Ports {
		status.Ports = append(status.Ports, runtime.PortBinding{
			HostIP:        p.IP,
			HostPort:      p.PublicPort,
			ContainerPort: p.PrivatePort,
			Protocol:      p.Type,
		})
	}
	sort.Slice(status.Ports, func(i, j int) bool {
		return status.Ports[i].ContainerPort < status.Ports[j].ContainerPort
	})
	return status
}

func buildConfigs(spec runtime.StartSpec, svc *stack.Service, image string) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(svc.Env))
	for k, v := range svc.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, portSpec := range svc.Ports {
		mappings, err := nat.ParsePortSpec(portSpec)
		if err != nil {
			return nil, nil, fmt.Errorf("parse port %q: %w", portSpec, err)
		}
		for _, mapping := range mappings {
			exposed[mapping.Port] = struct{}{}
			bindings[mapping.Port] = append(bindings[mapping.Port], mapping.Binding)
		}
	}

	mounts, err := svc.Mounts()
	if err != nil {
		return nil, nil, err
	}
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		source := m.Source
		if m.Named {
			source = runtime.VolumeName(spec.Stack, m.Source)
		}
		bind := source + ":" + m.Target
		if m.Mode != "" {
			bind += ":" + m.Mode
		}
		binds = append(binds, bind)
	}

	var cmdSlice []string
	if len(svc.Command) > 0 {
		cmdSlice = append([]string(nil), svc.Command...)
	}

	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        image,
		Env:          env,
		Cmd:          strslice.StrSlice(cmdSlice),
		ExposedPorts: exposed,
		Labels:       labels,
	}
	host := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
	}

	if svc.Resources != nil {
		if cpu := strings.TrimSpace(svc.Resources.CPU); cpu != "" {
			nano, err := resources.ParseCPU(cpu)
			if err != nil {
				return nil, nil, fmt.Errorf("parse cpu %q: %w", cpu, err)
			}
			host.Resources.NanoCPUs = nano
		}
		if mem := strings.TrimSpace(svc.Resources.Memory); mem != "" {
			bytes, err := resources.ParseMemory(mem)
			if err != nil {
				return nil, nil, fmt.Errorf("parse memory %q: %w", mem, err)
			}
			host.Resources.Memory = bytes
		}
	}

	return config, host, nil
}

// volumeLabels merges the stack label onto user supplied volume labels.
func volumeLabels(stackName string, extra map[string]string) map[string]string {
	labels := runtime.StackLabels(stackName)
	for k, v := range extra {
		labels[k] = v
	}
	return labels
}

// EnsureVolume creates the named volume when absent. Creation is idempotent
// at the daemon level so concurrent callers are safe.
func (r *Runtime) EnsureVolume(ctx context.Context, stackName, name string, labels map[string]string) (string, error) {
	cli, err := r.getClient()
	if err != nil {
		return "", fmt.Errorf("create docker client: %w", err)
	}
	scoped := runtime.VolumeName(stackName, name)
	_, err = cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   scoped,
		Labels: volumeLabels(stackName, labels),
	})
	if err != nil {
		return "", fmt.Errorf("create volume %s: %w", scoped, err)
	}
	return scoped, nil
}

// ListVolumes returns the stack's volumes discovered through labels.
func (r *Runtime) ListVolumes(ctx context.Context, stackName string) ([]string, error) {
	cli, err := r.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	args := filters.NewArgs(filters.Arg("label", runtime.LabelStack+"="+stackName))
	resp, err := cli.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("volume list: %w", err)
	}
	names := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names, nil
}

// RemoveVolume deletes a stack volume by its scoped name. Missing volumes
// are tolerated so prune stays idempotent.
func (r *Runtime) RemoveVolume(ctx context.Context, scopedName string) error {
	cli, err := r.getClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	if err := cli.VolumeRemove(ctx, scopedName, false); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", scopedName, err)
	}
	return nil
}
