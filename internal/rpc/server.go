package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/engine"
	"github.com/any-hub/modelhub/internal/logging"
)

type serverState int

const (
	stateUninitialized serverState = iota
	stateReady
)

func (s serverState) String() string {
	if s == stateReady {
		return "ready"
	}
	return "uninitialized"
}

// ServerOptions 配置 worker 侧。Registry 为空时使用 engine.Default()。
type ServerOptions struct {
	Registry *engine.Registry
	Logger   logrus.FieldLogger
}

// Server 持有引擎与会话表，严格按到达顺序逐条处理消息，任何处理失败都以 error 响应返回。
type Server struct {
	registry *engine.Registry
	logger   logrus.FieldLogger

	state    serverState
	config   InitializeRequest
	engine   engine.Engine
	sessions map[string]engine.Session
}

// NewServer 创建处于 Uninitialized 状态的 Server。
func NewServer(opts ServerOptions) *Server {
	registry := opts.Registry
	if registry == nil {
		registry = engine.Default()
	}
	return &Server{
		registry: registry,
		logger:   logging.OrDiscard(opts.Logger),
		sessions: make(map[string]engine.Session),
	}
}

// Serve 循环读取请求并写回响应，直到传输关闭或 ctx 结束。退出时释放全部会话。
// 对端正常关闭时返回 nil。
func (s *Server) Serve(ctx context.Context, transport Transport) error {
	defer s.releaseAll()
	for {
		msg, err := transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return err
		}

		resp := s.Handle(ctx, msg)
		if err := transport.Send(ctx, resp); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return err
		}
	}
}

// Handle 处理单条请求并返回响应，不会 panic。
func (s *Server) Handle(ctx context.Context, msg Message) (resp Message) {
	started := time.Now()
	fields := logging.CallFields(msg.ID, string(msg.Kind))

	defer func() {
		if r := recover(); r != nil {
			err := &HandlerError{Kind: msg.Kind, Err: fmt.Errorf("panic: %v", r)}
			s.logger.WithFields(fields).WithField("stack", string(debug.Stack())).Error("rpc_handler_panic")
			resp = errorResponse(msg.ID, err)
		}
	}()

	result, err := s.dispatch(ctx, msg)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		var stateErr *StateError
		if !errors.As(err, &stateErr) {
			err = &HandlerError{Kind: msg.Kind, Err: err}
		}
		s.logger.WithFields(fields).WithError(err).Warn("rpc_handler_failed")
		return errorResponse(msg.ID, err)
	}

	data, err := Marshal(result)
	if err != nil {
		return errorResponse(msg.ID, &HandlerError{Kind: msg.Kind, Err: fmt.Errorf("encode result: %w", err)})
	}
	s.logger.WithFields(fields).Debug("rpc_handler_complete")
	return Message{ID: msg.ID, Kind: KindResult, Data: data}
}

func errorResponse(id uint64, err error) Message {
	return Message{ID: id, Kind: KindError, Error: err.Error()}
}

func (s *Server) dispatch(ctx context.Context, msg Message) (any, error) {
	switch msg.Kind {
	case KindInitialize:
		return s.initialize(msg)
	case KindLoadArtifact:
		return s.loadArtifact(msg)
	case KindExecute:
		return s.execute(msg)
	case KindDispose:
		return s.dispose(), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", msg.Kind)
	}
}

func decodeRequest(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s request: %w", msg.Kind, err)
	}
	return nil
}

// initialize 可重复调用：每次都替换配置并重新选择引擎，已加载的会话保留。
func (s *Server) initialize(msg Message) (InitializeResult, error) {
	var req InitializeRequest
	if err := decodeRequest(msg, &req); err != nil {
		return InitializeResult{}, err
	}
	if req.ThreadCount < 0 {
		return InitializeResult{}, fmt.Errorf("thread count must be >= 0, got %d", req.ThreadCount)
	}
	selected, err := s.registry.Select(req.BackendPreference)
	if err != nil {
		return InitializeResult{}, err
	}

	s.config = req
	s.engine = selected
	s.state = stateReady
	s.logger.WithFields(logrus.Fields{
		"action":        "rpc_initialize",
		"engine":        selected.Name(),
		"thread_count":  req.ThreadCount,
		"artifact_dirs": len(req.ArtifactPaths),
	}).Info("worker initialized")
	return InitializeResult{Engine: selected.Name(), Engines: s.registry.Names()}, nil
}

func (s *Server) requireReady(kind Kind) error {
	if s.state != stateReady {
		return &StateError{Kind: kind, Reason: fmt.Sprintf("worker is %s", s.state)}
	}
	return nil
}

// loadArtifact 创建会话；同名制品被替换时释放旧会话。
func (s *Server) loadArtifact(msg Message) (LoadArtifactResult, error) {
	if err := s.requireReady(msg.Kind); err != nil {
		return LoadArtifactResult{}, err
	}
	var req LoadArtifactRequest
	if err := decodeRequest(msg, &req); err != nil {
		return LoadArtifactResult{}, err
	}
	if req.Name == "" {
		return LoadArtifactResult{}, errors.New("artifact name required")
	}

	model := req.Bytes
	if len(model) == 0 {
		if req.Path == "" {
			return LoadArtifactResult{}, fmt.Errorf("artifact %q has neither bytes nor path", req.Name)
		}
		loaded, err := s.readArtifact(req.Path)
		if err != nil {
			return LoadArtifactResult{}, err
		}
		model = loaded
	}

	session, err := s.engine.CreateSession(model, engine.SessionOptions{
		ThreadCount: s.config.ThreadCount,
		Values:      req.SessionOptions,
	})
	if err != nil {
		return LoadArtifactResult{}, fmt.Errorf("create session %q: %w", req.Name, err)
	}

	previous, replaced := s.sessions[req.Name]
	s.sessions[req.Name] = session
	if replaced {
		s.release(req.Name, previous)
	}
	return LoadArtifactResult{
		Name:        req.Name,
		InputNames:  session.InputNames(),
		OutputNames: session.OutputNames(),
		Replaced:    replaced,
	}, nil
}

// readArtifact 依次在 ArtifactPaths 中查找相对路径 name。
func (s *Server) readArtifact(name string) ([]byte, error) {
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("artifact path %q must be relative", name)
	}
	for _, dir := range s.config.ArtifactPaths {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("artifact %q not found in %v", name, s.config.ArtifactPaths)
}

func (s *Server) execute(msg Message) (ExecuteResult, error) {
	if err := s.requireReady(msg.Kind); err != nil {
		return ExecuteResult{}, err
	}
	var req ExecuteRequest
	if err := decodeRequest(msg, &req); err != nil {
		return ExecuteResult{}, err
	}
	session, ok := s.sessions[req.Name]
	if !ok {
		return ExecuteResult{}, &StateError{Kind: msg.Kind, Reason: fmt.Sprintf("artifact %q not loaded", req.Name)}
	}

	feeds := make(map[string]engine.Tensor, len(req.Inputs))
	for name, wire := range req.Inputs {
		tensor, err := wire.ToEngineTensor()
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("input %q: %w", name, err)
		}
		feeds[name] = tensor
	}

	outputs, err := session.Run(feeds)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("run %q: %w", req.Name, err)
	}
	result := ExecuteResult{Outputs: make(map[string]Tensor, len(outputs))}
	for name, tensor := range outputs {
		result.Outputs[name] = FromEngineTensor(tensor)
	}
	return result, nil
}

// dispose 释放所有会话并回到 Uninitialized。
func (s *Server) dispose() DisposeResult {
	released := s.releaseAll()
	s.state = stateUninitialized
	s.engine = nil
	s.config = InitializeRequest{}
	return DisposeResult{Released: released}
}

func (s *Server) releaseAll() int {
	names := s.SessionNames()
	for _, name := range names {
		s.release(name, s.sessions[name])
		delete(s.sessions, name)
	}
	return len(names)
}

func (s *Server) release(name string, session engine.Session) {
	if err := session.Release(); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "rpc_release_session",
			"artifact": name,
		}).Warn("release_failed")
	}
}

// SessionNames 返回已加载的制品名（排序后）。
func (s *Server) SessionNames() []string {
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
