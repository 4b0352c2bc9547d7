package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/logging"
)

const (
	// DefaultCallTimeout 为未指定超时时单次调用的期限。
	DefaultCallTimeout = 60 * time.Second
	// DefaultDisposeTimeout 为 Dispose 中 best-effort dispose 请求的期限。
	DefaultDisposeTimeout = 5 * time.Second
)

// ClientOptions 控制调用与释放的超时。
type ClientOptions struct {
	CallTimeout    time.Duration
	DisposeTimeout time.Duration
	Logger         logrus.FieldLogger
}

type reply struct {
	data cbor.RawMessage
	err  error
}

// pending 是一次尚未结束的调用。它只会被 take 移出一次，之后的事件都是空操作。
type pending struct {
	id     uint64
	kind   Kind
	result chan reply
	timer  *time.Timer
}

// Client 维护挂起调用表并运行唯一的读循环，可被多个 goroutine 并发使用。
type Client struct {
	transport      Transport
	callTimeout    time.Duration
	disposeTimeout time.Duration
	logger         logrus.FieldLogger

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*pending
	failed   error
	disposed bool

	disposeOnce sync.Once
	readerDone  chan struct{}
}

// NewClient 接管 transport 并启动读循环。
func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.DisposeTimeout <= 0 {
		opts.DisposeTimeout = DefaultDisposeTimeout
	}
	c := &Client{
		transport:      transport,
		callTimeout:    opts.CallTimeout,
		disposeTimeout: opts.DisposeTimeout,
		logger:         logging.OrDiscard(opts.Logger),
		pending:        make(map[uint64]*pending),
		readerDone:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call 发送 kind 请求并等待对应 id 的响应。timeout <= 0 时使用默认值。
// result 响应返回其原始负载，error 响应返回 *RemoteError。
func (c *Client) Call(ctx context.Context, kind Kind, payload any, timeout time.Duration) (cbor.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.callTimeout
	}

	var data []byte
	if payload != nil {
		encoded, err := Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", kind, err)
		}
		data = encoded
	}

	p, err := c.register(kind, timeout)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err = c.transport.Send(sendCtx, Message{ID: p.id, Kind: kind, Data: data})
	cancel()
	if err != nil {
		if c.take(p.id) != nil {
			return nil, &TransportError{Op: "send", Err: err}
		}
	}

	select {
	case r := <-p.result:
		return r.data, r.err
	case <-ctx.Done():
		if c.take(p.id) != nil {
			return nil, ctx.Err()
		}
		r := <-p.result
		return r.data, r.err
	}
}

// register 分配新 id、登记挂起调用并启动计时器。
func (c *Client) register(kind Kind, timeout time.Duration) (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrDisposed
	}
	if c.failed != nil {
		return nil, c.failed
	}
	c.nextID++
	p := &pending{
		id:     c.nextID,
		kind:   kind,
		result: make(chan reply, 1),
	}
	c.pending[p.id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.take(p.id) == nil {
			return
		}
		c.logger.WithFields(logging.CallFields(p.id, string(kind))).
			WithField("timeout", timeout.String()).Warn("rpc_call_timeout")
		p.result <- reply{err: &TimeoutError{ID: p.id, Kind: kind, After: timeout}}
	})
	return p, nil
}

// take 移出挂起调用并停止其计时器；已被移出时返回 nil。
func (c *Client) take(id uint64) *pending {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	p := c.take(msg.ID)
	if p == nil {
		c.logger.WithFields(logging.CallFields(msg.ID, string(msg.Kind))).Debug("rpc_late_response_dropped")
		return
	}
	switch msg.Kind {
	case KindResult:
		p.result <- reply{data: msg.Data}
	case KindError:
		p.result <- reply{err: &RemoteError{ID: p.id, Kind: p.kind, Detail: msg.Error}}
	default:
		p.result <- reply{err: &RemoteError{ID: p.id, Kind: p.kind, Detail: fmt.Sprintf("unexpected response kind %q", msg.Kind)}}
	}
}

// fail 在读循环终止时拒绝所有挂起调用，此后的调用直接返回同一错误。
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = &TransportError{Op: "receive", Err: cause}
	}
	failed := c.failed
	disposed := c.disposed
	rejected := c.pending
	c.pending = make(map[uint64]*pending)
	c.mu.Unlock()

	if !disposed {
		c.logger.WithError(cause).WithFields(logrus.Fields{
			"action":  "rpc_transport",
			"pending": len(rejected),
		}).Error("rpc_transport_failed")
	}
	for _, p := range rejected {
		p.timer.Stop()
		p.result <- reply{err: failed}
	}
}

// Initialize 配置 worker 并返回选中的引擎。
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	return callTyped[InitializeResult](ctx, c, KindInitialize, req)
}

// LoadArtifact 在 worker 中创建（或替换）名为 req.Name 的会话。
func (c *Client) LoadArtifact(ctx context.Context, req LoadArtifactRequest) (LoadArtifactResult, error) {
	return callTyped[LoadArtifactResult](ctx, c, KindLoadArtifact, req)
}

// Execute 在已加载的制品上执行推理。
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	return callTyped[ExecuteResult](ctx, c, KindExecute, req)
}

func callTyped[T any](ctx context.Context, c *Client, kind Kind, req any) (T, error) {
	var out T
	data, err := c.Call(ctx, kind, req, 0)
	if err != nil {
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", kind, err)
	}
	return out, nil
}

// Dispose 尽力发送 dispose 请求（错误被忽略），随后拒绝剩余挂起调用并关闭传输。
// 可重复调用。
func (c *Client) Dispose(ctx context.Context) error {
	var closeErr error
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		failed := c.failed
		c.mu.Unlock()

		if failed == nil {
			if _, err := c.Call(ctx, KindDispose, nil, c.disposeTimeout); err != nil {
				c.logger.WithError(err).WithField("action", "rpc_dispose").Debug("rpc_dispose_request_failed")
			}
		}

		c.mu.Lock()
		c.disposed = true
		rejected := c.pending
		c.pending = make(map[uint64]*pending)
		c.mu.Unlock()

		for _, p := range rejected {
			p.timer.Stop()
			p.result <- reply{err: ErrDisposed}
		}
		closeErr = c.transport.Close()
	})
	return closeErr
}

// Pending 返回挂起调用数量。
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done 在读循环退出后关闭。
func (c *Client) Done() <-chan struct{} {
	return c.readerDone
}
