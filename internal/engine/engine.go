// Package engine describes the inference capability consumed by the worker:
// an Engine turns artifact bytes into a Session, and a Session maps named
// input tensors to named output tensors. Tensor data is opaque here; only
// shape/size consistency is enforced.
package engine

import (
	"errors"
	"fmt"
	"math"
)

// DType 为张量元素类型。
type DType string

const (
	Float16 DType = "float16"
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Bool    DType = "bool"
)

var elementSizes = map[DType]int64{
	Float16: 2,
	Float32: 4,
	Float64: 8,
	Int8:    1,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	Uint8:   1,
	Bool:    1,
}

// ElementSize 返回元素字节数，未知类型返回 false。
func (d DType) ElementSize() (int64, bool) {
	size, ok := elementSizes[d]
	return size, ok
}

// Tensor 是 dtype + 形状 + 原始字节，字节序由引擎自行约定。
type Tensor struct {
	DType DType
	Shape []int64
	Data  []byte
}

// ErrInvalidTensor 由 Validate 返回，可用 errors.Is 匹配。
var ErrInvalidTensor = errors.New("invalid tensor")

// Elements 返回元素个数；标量（空形状）为 1。调用方应先通过 Validate。
func (t Tensor) Elements() int64 {
	n := int64(1)
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

// Validate 校验类型已知、维度非负且 dims 乘积 × 元素大小 == len(Data)。
// 乘积超出 int64 的形状同样视为非法。
func (t Tensor) Validate() error {
	size, ok := t.DType.ElementSize()
	if !ok {
		return fmt.Errorf("%w: unknown dtype %q", ErrInvalidTensor, t.DType)
	}
	elements := int64(1)
	for i, dim := range t.Shape {
		if dim < 0 {
			return fmt.Errorf("%w: negative dim %d at axis %d", ErrInvalidTensor, dim, i)
		}
		if dim != 0 && elements > math.MaxInt64/dim {
			return fmt.Errorf("%w: shape %v overflows int64", ErrInvalidTensor, t.Shape)
		}
		elements *= dim
	}
	if elements > math.MaxInt64/size {
		return fmt.Errorf("%w: shape %v of %s overflows int64 bytes", ErrInvalidTensor, t.Shape, t.DType)
	}
	if want := elements * size; want != int64(len(t.Data)) {
		return fmt.Errorf("%w: shape %v of %s needs %d bytes, got %d", ErrInvalidTensor, t.Shape, t.DType, want, len(t.Data))
	}
	return nil
}

// SessionOptions 传递给 CreateSession。ThreadCount 为 0 表示使用引擎默认值，
// Values 承载引擎特定的选项，原样透传。
type SessionOptions struct {
	ThreadCount int
	Values      map[string]any
}

// Engine 把制品字节编译为可执行的 Session。
type Engine interface {
	Name() string
	CreateSession(model []byte, opts SessionOptions) (Session, error)
}

// Session 是一个已加载的制品。Release 之后不得再调用 Run。
type Session interface {
	InputNames() []string
	OutputNames() []string
	Run(feeds map[string]Tensor) (map[string]Tensor, error)
	Release() error
}
