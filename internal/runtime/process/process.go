package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/example/devstack/internal/runtime"
	"github.com/example/devstack/internal/runtime/containerutil"
)

func init() {
	runtime.Register("process", func() runtime.Runtime { return New() })
}

type runtimeImpl struct{}

// New constructs a runtime that executes services as local processes. It
// supports no image builds, no port publishing, and no rediscovery from
// later CLI invocations; instances live and die with the launching process.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Instance, error) {
	svc := spec.Spec
	if svc == nil {
		return nil, errors.New("service definition is required")
	}
	if len(svc.Command) == 0 {
		return nil, fmt.Errorf("process runtime for service %s requires a command", spec.Service)
	}

	cmd := exec.CommandContext(ctx, svc.Command[0], svc.Command[1:]...)
	if svc.ResolvedWorkdir != "" {
		cmd.Dir = svc.ResolvedWorkdir
	}

	env := os.Environ()
	for k, v := range svc.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("service %s stdout: %w", spec.Service, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("service %s stderr: %w", spec.Service, err)
	}

	configureCmdSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start service %s: %w", spec.Service, err)
	}

	inst := &processInstance{
		name:   spec.Service,
		cmd:    cmd,
		logs:   make(chan runtime.LogEntry, 64),
		waitCh: make(chan error, 1),
	}

	logCtx, logCancel := context.WithCancel(context.Background())
	inst.logCancel = logCancel
	emit := func(entry runtime.LogEntry) {
		select {
		case inst.logs <- entry:
		case <-logCtx.Done():
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w := containerutil.NewLogWriter(logCtx, emit, runtime.LogSourceStdout, "")
		_, _ = io.Copy(w, stdout)
		w.Close()
	}()
	go func() {
		defer wg.Done()
		w := containerutil.NewLogWriter(logCtx, emit, runtime.LogSourceStderr, "warn")
		_, _ = io.Copy(w, stderr)
		w.Close()
	}()

	go func() {
		wg.Wait()
		close(inst.logs)
	}()
	go func() {
		inst.waitCh <- cmd.Wait()
	}()

	return inst, nil
}

type processInstance struct {
	name      string
	cmd       *exec.Cmd
	logs      chan runtime.LogEntry
	waitCh    chan error
	logCancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

func (p *processInstance) ID() string {
	if p.cmd.Process == nil {
		return ""
	}
	return fmt.Sprintf("pid:%d", p.cmd.Process.Pid)
}

func (p *processInstance) Wait() <-chan error {
	return p.waitCh
}

func (p *processInstance) Logs() <-chan runtime.LogEntry {
	return p.logs
}

func (p *processInstance) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		defer p.logCancel()
		if p.cmd.Process == nil {
			return
		}
		// Attempt a graceful shutdown first.
		if err := terminateProcess(p.cmd); err != nil {
			p.stopErr = fmt.Errorf("stop service %s: %w", p.name, err)
			return
		}
		select {
		case err := <-p.waitCh:
			p.redeliver(err)
			return
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		if err := killProcess(p.cmd); err != nil {
			p.stopErr = fmt.Errorf("kill service %s: %w", p.name, err)
			return
		}
		select {
		case err := <-p.waitCh:
			p.redeliver(err)
		case <-ctx.Done():
			p.stopErr = ctx.Err()
		}
	})
	return p.stopErr
}

// redeliver puts the exit result back so the supervisor's crash monitor
// still observes it.
func (p *processInstance) redeliver(err error) {
	p.waitCh <- err
}
