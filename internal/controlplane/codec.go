package controlplane

import (
	"google.golang.org/grpc/encoding"

	"github.com/oriys/nimbus-runtime/internal/wire"
)

// codecName 注册的 gRPC content-subtype
const codecName = "cbor"

// cborCodec 以 CBOR 编解码控制面消息
type cborCodec struct{}

func (cborCodec) Marshal(v interface{}) ([]byte, error) {
	return wire.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v interface{}) error {
	return wire.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(cborCodec{})
}
