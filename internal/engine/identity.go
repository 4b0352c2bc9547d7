package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// IdentityName 是参考引擎的注册名。
const IdentityName = "identity"

// ErrSessionReleased 表示 Session 已释放。
var ErrSessionReleased = errors.New("session released")

// IdentityModel 是 identity 引擎的制品格式：输出名 -> 输入名。
type IdentityModel struct {
	Outputs map[string]string `cbor:"outputs"`
}

// EncodeIdentityModel 生成 identity 引擎可加载的制品字节。
func EncodeIdentityModel(outputs map[string]string) ([]byte, error) {
	return cbor.Marshal(IdentityModel{Outputs: outputs})
}

type identityEngine struct{}

// NewIdentity 返回把输入原样回显到输出的参考引擎，
// 用于 CLI worker 与测试，不做任何数值计算。
func NewIdentity() Engine {
	return identityEngine{}
}

func (identityEngine) Name() string { return IdentityName }

func (identityEngine) CreateSession(model []byte, _ SessionOptions) (Session, error) {
	var m IdentityModel
	if err := cbor.Unmarshal(model, &m); err != nil {
		return nil, fmt.Errorf("decode identity model: %w", err)
	}
	if len(m.Outputs) == 0 {
		return nil, errors.New("identity model declares no outputs")
	}
	s := &identitySession{routes: m.Outputs}
	for out, in := range m.Outputs {
		if out == "" || in == "" {
			return nil, errors.New("identity model contains empty tensor name")
		}
		s.outputs = append(s.outputs, out)
		s.inputs = append(s.inputs, in)
	}
	s.inputs = uniqueSorted(s.inputs)
	sort.Strings(s.outputs)
	return s, nil
}

type identitySession struct {
	routes  map[string]string
	inputs  []string
	outputs []string

	mu       sync.Mutex
	released bool
}

func (s *identitySession) InputNames() []string  { return append([]string(nil), s.inputs...) }
func (s *identitySession) OutputNames() []string { return append([]string(nil), s.outputs...) }

func (s *identitySession) Run(feeds map[string]Tensor) (map[string]Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrSessionReleased
	}
	result := make(map[string]Tensor, len(s.routes))
	for out, in := range s.routes {
		tensor, ok := feeds[in]
		if !ok {
			return nil, fmt.Errorf("missing input %q", in)
		}
		result[out] = Tensor{
			DType: tensor.DType,
			Shape: append([]int64(nil), tensor.Shape...),
			Data:  append([]byte(nil), tensor.Data...),
		}
	}
	return result, nil
}

func (s *identitySession) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

func uniqueSorted(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	for _, v := range values {
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
