// Package wasmtest 手工构造测试用的 wasm guest 模块。
//
// 模块导入若干 wasi_snapshot_preview1 函数，导出一页线性内存和一个入口函数，
// 入口函数按 logs、parts、body-write、body-read 的顺序接收四个描述符。
package wasmtest

import "bytes"

// EntryPoint 是 guest 工具链导出的入口函数名
const EntryPoint = "__SHUTTLE_Axum_call"

// 指令编码
var (
	Drop        = []byte{0x1a}
	Load        = []byte{0x28, 0x02, 0x00}
	Store       = []byte{0x36, 0x02, 0x00}
	Add         = []byte{0x6a}
	GtU         = []byte{0x4b}
	Ne          = []byte{0x47}
	If          = []byte{0x04, 0x40}
	End         = []byte{0x0b}
	Unreachable = []byte{0x00}
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(content)))...)
	return append(out, content...)
}

func funcType(params, results int) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(params))...)
	for i := 0; i < params; i++ {
		out = append(out, 0x7f)
	}
	out = append(out, uleb(uint32(results))...)
	for i := 0; i < results; i++ {
		out = append(out, 0x7f)
	}
	return out
}

// Code 拼接指令序列
func Code(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(v)...) }
func LocalGet(i uint32) []byte { return append([]byte{0x20}, uleb(i)...) }
func Call(i uint32) []byte     { return append([]byte{0x10}, uleb(i)...) }

// LE32 以小端序编码 v
func LE32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// Segment 是放在线性内存 Offset 处的初始化数据
type Segment struct {
	Offset int32
	Bytes  []byte
}

// Module 描述一个测试 guest
type Module struct {
	// Imports 导入的 WASI 函数名，函数索引即在此切片中的下标
	Imports     []string
	EntryName   string
	EntryParams int
	Body        []byte
	Data        []Segment
}

// FuncIndex 返回导入函数的索引
func (m Module) FuncIndex(fn string) uint32 {
	for i, imp := range m.Imports {
		if imp == fn {
			return uint32(i)
		}
	}
	panic("unknown import " + fn)
}

// Binary 编码为 wasm 二进制
func (m Module) Binary() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	out = append(out, section(1, vec(funcType(4, 1), funcType(1, 1), funcType(m.EntryParams, 0)))...)

	var imports [][]byte
	for _, imp := range m.Imports {
		typeIdx := uint32(0)
		if imp == "fd_close" {
			typeIdx = 1
		}
		imports = append(imports, Code(name("wasi_snapshot_preview1"), name(imp), []byte{0x00}, uleb(typeIdx)))
	}
	out = append(out, section(2, vec(imports...))...)
	out = append(out, section(3, vec(uleb(2)))...)
	out = append(out, section(5, vec([]byte{0x00, 0x01}))...)

	entryIdx := uint32(len(m.Imports))
	out = append(out, section(7, vec(
		Code(name("memory"), []byte{0x02, 0x00}),
		Code(name(m.EntryName), []byte{0x00}, uleb(entryIdx)),
	))...)

	body := Code([]byte{0x00}, m.Body, End)
	out = append(out, section(10, vec(Code(uleb(uint32(len(body))), body)))...)

	var segments [][]byte
	for _, d := range m.Data {
		segments = append(segments, Code([]byte{0x00}, I32Const(d.Offset), End, uleb(uint32(len(d.Bytes))), d.Bytes))
	}
	if len(segments) > 0 {
		out = append(out, section(11, vec(segments...))...)
	}
	return out
}
