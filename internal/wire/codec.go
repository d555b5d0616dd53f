// Package wire 定义宿主与 guest 之间交换的数据格式。
// 元数据与日志记录使用 CBOR 编码（紧凑、自描述的二进制格式），
// 每条消息外层使用长度前缀协议：4 字节大端序长度 + CBOR 消息体。
package wire

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode 使用 Core Deterministic Encoding，相同数据总是产生相同字节。
var encMode cbor.EncMode

// decMode 忽略未知字段，并限制嵌套深度与元素数量。
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal 将 v 编码为 CBOR。
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 将 CBOR 数据解码到 v。
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
