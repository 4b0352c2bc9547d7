package rpc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Transport 是双向、异步的消息通道。Send 可与 Receive 并发调用。
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// pipeBuffer 为每个方向的缓冲深度，发送方在对端读取前最多积压这么多条消息。
const pipeBuffer = 64

// pipeState 由管道两端共享：任一端关闭，整条管道即关闭。
type pipeState struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (s *pipeState) close(err error) {
	s.once.Do(func() {
		if err == nil {
			err = ErrTransportClosed
		}
		s.err = err
		close(s.done)
	})
}

// PipeEnd 是进程内管道的一端。
type PipeEnd struct {
	in    <-chan Message
	out   chan<- Message
	state *pipeState
}

// Pipe 返回一对相连的进程内端点，分别交给 Client 与 Server。
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan Message, pipeBuffer)
	ba := make(chan Message, pipeBuffer)
	state := &pipeState{done: make(chan struct{})}
	return &PipeEnd{in: ba, out: ab, state: state},
		&PipeEnd{in: ab, out: ba, state: state}
}

func (p *PipeEnd) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.state.done:
		return p.state.err
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.state.done:
		return p.state.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive 优先交付已在缓冲中的消息，关闭前发出的响应不会丢失。
func (p *PipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
		}
		return Message{}, p.state.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close 正常关闭管道，对端 Receive 返回 ErrTransportClosed。
func (p *PipeEnd) Close() error {
	p.state.close(nil)
	return nil
}

// CloseWithError 以 err 终止管道，模拟后台上下文异常退出。
func (p *PipeEnd) CloseWithError(err error) {
	p.state.close(err)
}

// StreamTransport 在字节流上收发 CBOR 编码的 Message，CBOR 自带边界无需额外分帧。
// 用于子进程的 stdin/stdout。
type StreamTransport struct {
	sendMu sync.Mutex
	enc    *cbor.Encoder

	recvMu sync.Mutex
	dec    *cbor.Decoder

	closer    io.Closer
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport 从 r 读取、向 w 写入。c 在 Close 时关闭，可为 nil。
func NewStreamTransport(r io.Reader, w io.Writer, c io.Closer) *StreamTransport {
	return &StreamTransport{
		enc:    newEncoder(w),
		dec:    newDecoder(r),
		closer: c,
	}
}

func (s *StreamTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.enc.Encode(msg)
}

// Receive 阻塞读取下一条消息。流上的读取无法被 ctx 打断，需要 Close 底层流来解除阻塞。
func (s *StreamTransport) Receive(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	var msg Message
	if err := s.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, ErrTransportClosed
		}
		return Message{}, err
	}
	return msg, nil
}

func (s *StreamTransport) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
