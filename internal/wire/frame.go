package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize 单个帧允许的最大负载（1 MiB）。
const DefaultMaxFrameSize = 1 << 20

// frameHeaderSize 长度前缀占用的字节数
const frameHeaderSize = 4

var (
	// ErrFrameTooLarge 表示帧声明的长度超过上限
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrDecode 表示帧负载不是合法的 CBOR 消息
	ErrDecode = errors.New("malformed frame payload")
)

// WriteFrame 编码 v 并以长度前缀帧的形式写入 w。
// 长度前缀与负载在同一次 Write 中写入。
func WriteFrame(w io.Writer, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	_, err = w.Write(buf)
	return err
}

// ReadFrame 从 r 读取一个帧并解码到 v。
//
// 返回值：
//   - io.EOF: 在帧边界处遇到通道关闭（流正常结束）
//   - io.ErrUnexpectedEOF: 帧被截断
//   - ErrFrameTooLarge: 声明长度超过 maxSize
//   - ErrDecode: 负载无法解码
func ReadFrame(r io.Reader, v any, maxSize uint32) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && length > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if err := Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
