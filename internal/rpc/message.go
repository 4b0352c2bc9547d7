// Package rpc correlates requests and responses over an asynchronous message
// channel to a background worker. A Client assigns monotonically increasing
// ids, arms a timer per call and routes responses by id only; a Server owns
// the worker-side engine sessions and answers one message at a time.
package rpc

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/any-hub/modelhub/internal/engine"
)

// Kind 标识消息类型。
type Kind string

const (
	KindInitialize   Kind = "initialize"
	KindLoadArtifact Kind = "load-artifact"
	KindExecute      Kind = "execute"
	KindDispose      Kind = "dispose"

	KindResult Kind = "result"
	KindError  Kind = "error"
)

// IsResponse 判断是否为响应类型。
func (k Kind) IsResponse() bool {
	return k == KindResult || k == KindError
}

// Message 是线上信封。请求与响应共用同一 id，响应只按 id 匹配。
type Message struct {
	ID    uint64          `cbor:"id"`
	Kind  Kind            `cbor:"kind"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
	Error string          `cbor:"error,omitempty"`
}

// InitializeRequest 配置 worker 的运行环境。
type InitializeRequest struct {
	ArtifactPaths     []string `cbor:"artifact_paths,omitempty"`
	ThreadCount       int      `cbor:"thread_count,omitempty"`
	BackendPreference []string `cbor:"backend_preference,omitempty"`
}

// InitializeResult 返回选中的引擎以及 worker 可用的全部引擎。
type InitializeResult struct {
	Engine  string   `cbor:"engine"`
	Engines []string `cbor:"engines,omitempty"`
}

// LoadArtifactRequest 以 Name 加载制品。Bytes 为空时按 Path 在 ArtifactPaths 中查找。
type LoadArtifactRequest struct {
	Name           string         `cbor:"name"`
	Bytes          []byte         `cbor:"bytes,omitempty"`
	Path           string         `cbor:"path,omitempty"`
	SessionOptions map[string]any `cbor:"session_options,omitempty"`
}

// LoadArtifactResult 描述已加载的会话。
type LoadArtifactResult struct {
	Name        string   `cbor:"name"`
	InputNames  []string `cbor:"input_names"`
	OutputNames []string `cbor:"output_names"`
	Replaced    bool     `cbor:"replaced,omitempty"`
}

// Tensor 是线上张量：dims + 元素类型 + 原始字节。
type Tensor struct {
	Type string  `cbor:"type"`
	Dims []int64 `cbor:"dims"`
	Data []byte  `cbor:"data"`
}

// ExecuteRequest 在已加载的制品上执行一次推理。
type ExecuteRequest struct {
	Name   string            `cbor:"name"`
	Inputs map[string]Tensor `cbor:"inputs"`
}

// ExecuteResult 为按输出名索引的张量。
type ExecuteResult struct {
	Outputs map[string]Tensor `cbor:"outputs"`
}

// DisposeResult 返回释放的会话数量。
type DisposeResult struct {
	Released int `cbor:"released"`
}

// FromEngineTensor 转换为线上张量。
func FromEngineTensor(t engine.Tensor) Tensor {
	return Tensor{Type: string(t.DType), Dims: t.Shape, Data: t.Data}
}

// ToEngineTensor 转换为引擎张量并校验尺寸。
func (t Tensor) ToEngineTensor() (engine.Tensor, error) {
	out := engine.Tensor{DType: engine.DType(t.Type), Shape: t.Dims, Data: t.Data}
	if err := out.Validate(); err != nil {
		return engine.Tensor{}, err
	}
	return out, nil
}
