package rpc

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode 使用 Core Deterministic Encoding：相同数据总是编码为相同字节。
var encMode cbor.EncMode

// decMode 忽略未知字段，any 目标解码为 map[string]any。
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal 将请求/响应负载编码为 CBOR，字节切片编码为 CBOR byte string。
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码 CBOR 负载。
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
