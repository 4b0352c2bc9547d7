package engine

import (
	"errors"
	"testing"
)

func TestTensorValidate(t *testing.T) {
	cases := []struct {
		name   string
		tensor Tensor
		ok     bool
	}{
		{"scalar", Tensor{DType: Float32, Data: make([]byte, 4)}, true},
		{"matrix", Tensor{DType: Int64, Shape: []int64{2, 3}, Data: make([]byte, 48)}, true},
		{"empty dim", Tensor{DType: Uint8, Shape: []int64{0, 5}}, true},
		{"short data", Tensor{DType: Float32, Shape: []int64{4}, Data: make([]byte, 12)}, false},
		{"negative dim", Tensor{DType: Float32, Shape: []int64{-1}, Data: nil}, false},
		{"unknown dtype", Tensor{DType: "complex64", Shape: []int64{1}, Data: make([]byte, 8)}, false},
		{"dims overflow", Tensor{DType: Float32, Shape: []int64{1 << 62, 4}}, false},
		{"bytes overflow", Tensor{DType: Float32, Shape: []int64{1 << 62}}, false},
		{"zero dim before huge", Tensor{DType: Float64, Shape: []int64{0, 1 << 62, 1 << 62}}, true},
	}
	for _, tc := range cases {
		err := tc.tensor.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTensor) {
			t.Fatalf("%s: expected ErrInvalidTensor, got %v", tc.name, err)
		}
	}
}

func TestRegistryRegisterAndFetch(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewIdentity()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, ok := r.Fetch(" Identity "); !ok {
		t.Fatalf("名称匹配应忽略大小写与空白")
	}
	if err := r.Register(NewIdentity()); !errors.Is(err, ErrDuplicateEngine) {
		t.Fatalf("expected ErrDuplicateEngine, got %v", err)
	}
	snap := r.Snapshot([]string{"identity", "onnx"})
	if snap["identity"] != "registered" || snap["onnx"] != "missing" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestRegistrySelect(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Select(nil); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("空注册表应返回 ErrNoEngine, got %v", err)
	}
	r.MustRegister(NewIdentity())
	r.MustRegister(namedEngine("webgpu"))

	e, err := r.Select(nil)
	if err != nil || e.Name() != IdentityName {
		t.Fatalf("默认应选择最早注册的引擎, got %v %v", e, err)
	}
	e, err = r.Select([]string{"wasm", "WebGPU", "identity"})
	if err != nil || e.Name() != "webgpu" {
		t.Fatalf("应按偏好顺序选择第一个已注册引擎, got %v %v", e, err)
	}
	if _, err := r.Select([]string{"wasm"}); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("expected ErrNoEngine, got %v", err)
	}
}

func TestDefaultRegistryHasIdentity(t *testing.T) {
	if _, ok := Fetch(IdentityName); !ok {
		t.Fatalf("默认注册表应包含 identity 引擎")
	}
}

func TestIdentitySessionEchoesInputs(t *testing.T) {
	model, err := EncodeIdentityModel(map[string]string{"logits": "input_ids", "mask_out": "attention_mask"})
	if err != nil {
		t.Fatalf("encode model failed: %v", err)
	}
	session, err := NewIdentity().CreateSession(model, SessionOptions{ThreadCount: 2})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if got := session.InputNames(); len(got) != 2 || got[0] != "attention_mask" || got[1] != "input_ids" {
		t.Fatalf("unexpected input names %v", got)
	}
	if got := session.OutputNames(); len(got) != 2 || got[0] != "logits" || got[1] != "mask_out" {
		t.Fatalf("unexpected output names %v", got)
	}

	ids := Tensor{DType: Int64, Shape: []int64{1, 2}, Data: make([]byte, 16)}
	ids.Data[0] = 7
	mask := Tensor{DType: Int64, Shape: []int64{1, 2}, Data: make([]byte, 16)}
	out, err := session.Run(map[string]Tensor{"input_ids": ids, "attention_mask": mask})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out["logits"].Data[0] != 7 || out["logits"].Shape[1] != 2 {
		t.Fatalf("identity 应回显输入张量, got %+v", out["logits"])
	}

	if _, err := session.Run(map[string]Tensor{"input_ids": ids}); err == nil {
		t.Fatalf("缺少输入时应报错")
	}

	if err := session.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := session.Run(map[string]Tensor{"input_ids": ids, "attention_mask": mask}); !errors.Is(err, ErrSessionReleased) {
		t.Fatalf("释放后运行应返回 ErrSessionReleased, got %v", err)
	}
}

func TestIdentityRejectsBadModel(t *testing.T) {
	if _, err := NewIdentity().CreateSession([]byte("not cbor"), SessionOptions{}); err == nil {
		t.Fatalf("非法制品应报错")
	}
	empty, _ := EncodeIdentityModel(nil)
	if _, err := NewIdentity().CreateSession(empty, SessionOptions{}); err == nil {
		t.Fatalf("无输出的制品应报错")
	}
}

type namedEngine string

func (n namedEngine) Name() string { return string(n) }

func (n namedEngine) CreateSession([]byte, SessionOptions) (Session, error) {
	return nil, errors.New("not implemented")
}
