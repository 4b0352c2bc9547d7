// Package worker launches the background execution context that answers RPC
// requests: either an in-process goroutine connected by rpc.Pipe, or a child
// `modelhub worker` process speaking CBOR over stdin/stdout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/config"
	"github.com/any-hub/modelhub/internal/engine"
	"github.com/any-hub/modelhub/internal/logging"
	"github.com/any-hub/modelhub/internal/rpc"
)

// Options 控制 worker 的启动方式。
type Options struct {
	CallTimeout    time.Duration
	DisposeTimeout time.Duration
	Logger         logrus.FieldLogger

	// Registry 仅用于进程内模式，为空时使用 engine.Default()。
	Registry *engine.Registry

	// 子进程模式：Executable 为空时使用当前可执行文件，Args 默认为 ["worker"]。
	Executable string
	Args       []string
	Env        []string
	Stderr     io.Writer
}

// OptionsFromConfig 根据配置生成启动参数；子进程继承同一份配置文件。
func OptionsFromConfig(cfg *config.Config, configPath string, logger logrus.FieldLogger) Options {
	opts := Options{
		CallTimeout:    cfg.CallTimeout(),
		DisposeTimeout: cfg.DisposeTimeout(),
		Logger:         logger,
		Args:           []string{"worker"},
	}
	if configPath != "" {
		opts.Args = []string{"--config", configPath, "worker"}
	}
	return opts
}

// InitializeRequest 将 [Worker] 配置转换为 initialize 负载。
func InitializeRequest(cfg *config.Config) rpc.InitializeRequest {
	return rpc.InitializeRequest{
		ArtifactPaths:     cfg.Worker.ArtifactPaths,
		ThreadCount:       cfg.Worker.ThreadCount,
		BackendPreference: cfg.Worker.BackendPreference,
	}
}

// Worker 是一个已启动的后台上下文，内嵌的 Client 用于发起调用。
type Worker struct {
	*rpc.Client

	mode     string
	done     chan struct{}
	exitOnce sync.Once
	exitErr  error
}

func (w *Worker) exit(err error) {
	w.exitOnce.Do(func() {
		w.exitErr = err
		close(w.done)
	})
}

// Mode 返回 inprocess 或 process。
func (w *Worker) Mode() string {
	return w.mode
}

// Done 在后台上下文退出后关闭。
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait 阻塞直到后台上下文退出，返回其退出错误。
func (w *Worker) Wait() error {
	<-w.done
	return w.exitErr
}

// Close 释放 Client 并等待后台上下文退出，ctx 结束时放弃等待。
func (w *Worker) Close(ctx context.Context) error {
	disposeErr := w.Dispose(ctx)
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.exitErr != nil {
		return w.exitErr
	}
	return disposeErr
}

// Start 按 mode 启动 worker。
func Start(ctx context.Context, mode string, opts Options) (*Worker, error) {
	switch mode {
	case "", config.WorkerModeInProcess:
		return Spawn(ctx, opts), nil
	case config.WorkerModeProcess:
		return SpawnProcess(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown worker mode %q", mode)
	}
}

// Spawn 在后台 goroutine 中运行 rpc.Server。Server 以错误退出时，管道以该错误关闭，
// 所有挂起调用随之失败。
func Spawn(ctx context.Context, opts Options) *Worker {
	clientEnd, serverEnd := rpc.Pipe()
	logger := logging.OrDiscard(opts.Logger)
	srv := rpc.NewServer(rpc.ServerOptions{
		Registry: opts.Registry,
		Logger:   logger.WithField("worker", config.WorkerModeInProcess),
	})

	w := &Worker{
		Client: rpc.NewClient(clientEnd, rpc.ClientOptions{
			CallTimeout:    opts.CallTimeout,
			DisposeTimeout: opts.DisposeTimeout,
			Logger:         logger,
		}),
		mode: config.WorkerModeInProcess,
		done: make(chan struct{}),
	}
	go func() {
		err := srv.Serve(ctx, serverEnd)
		if err != nil {
			serverEnd.CloseWithError(err)
		} else {
			serverEnd.Close()
		}
		w.exit(err)
	}()
	return w
}

// SpawnProcess 启动子进程 worker，并通过其 stdin/stdout 建立流式传输。
// 子进程异常退出会使流中断，Client 随即批量拒绝挂起调用。
func SpawnProcess(ctx context.Context, opts Options) (*Worker, error) {
	executable := opts.Executable
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		executable = self
	}
	args := opts.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", executable, err)
	}

	logger := logging.OrDiscard(opts.Logger)
	logger.WithFields(logrus.Fields{
		"action": "worker_spawn",
		"pid":    cmd.Process.Pid,
		"path":   executable,
	}).Info("worker process started")

	client := rpc.NewClient(rpc.NewStreamTransport(stdout, stdin, stdin), rpc.ClientOptions{
		CallTimeout:    opts.CallTimeout,
		DisposeTimeout: opts.DisposeTimeout,
		Logger:         logger,
	})
	w := &Worker{
		Client: client,
		mode:   config.WorkerModeProcess,
		done:   make(chan struct{}),
	}
	go func() {
		// 读循环结束（stdout EOF 或读取失败）之后才能 Wait，Wait 会关闭 stdout。
		<-client.Done()
		err := cmd.Wait()
		if err != nil {
			logger.WithError(err).WithField("action", "worker_exit").Warn("worker process exited abnormally")
			err = fmt.Errorf("worker process: %w", err)
		}
		w.exit(err)
	}()
	return w, nil
}

// ServeStream 在字节流上运行 worker 端，`modelhub worker` 以 stdin/stdout 调用它。
// 对端关闭输入流时正常返回。
func ServeStream(ctx context.Context, r io.Reader, w io.Writer, opts rpc.ServerOptions) error {
	transport := rpc.NewStreamTransport(r, w, nil)
	err := rpc.NewServer(opts).Serve(ctx, transport)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
