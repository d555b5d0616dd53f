package wire

import (
	"fmt"
	"net/http"
	"sort"
)

// Header 表示一个 HTTP 头。保留顺序，允许重复名称；值按原始字节传递。
type Header struct {
	Name  string `cbor:"name"`
	Value []byte `cbor:"value"`
}

// RequestParts 表示写入 parts 通道的请求元数据。
type RequestParts struct {
	Method  string   `cbor:"method"`
	URI     string   `cbor:"uri"`
	Version string   `cbor:"version"`
	Headers []Header `cbor:"headers"`
}

// ResponseParts 表示 guest 在 parts 通道写回的响应元数据。
type ResponseParts struct {
	Status  uint16   `cbor:"status"`
	Headers []Header `cbor:"headers"`
}

// NewRequestParts 从入站 HTTP 请求构建请求元数据。
// net/http 将头存放在 map 中，这里按名称排序以保证编码结果稳定，
// 同名头的多个值保持到达顺序。Host 头会被单独补回。
func NewRequestParts(r *http.Request) RequestParts {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]Header, 0, len(r.Header)+1)
	if r.Host != "" && r.Header.Get("Host") == "" {
		headers = append(headers, Header{Name: "host", Value: []byte(r.Host)})
	}
	for _, name := range names {
		for _, value := range r.Header[name] {
			headers = append(headers, Header{Name: http.CanonicalHeaderKey(name), Value: []byte(value)})
		}
	}

	return RequestParts{
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Version: r.Proto,
		Headers: headers,
	}
}

// Validate 检查 guest 写回的响应元数据是否可以映射为 HTTP 响应。
// 1xx 是中间响应，不能作为最终状态码。
func (p ResponseParts) Validate() error {
	if p.Status < 200 || p.Status > 999 {
		return fmt.Errorf("invalid status code %d", p.Status)
	}
	for _, h := range p.Headers {
		if h.Name == "" {
			return fmt.Errorf("empty header name")
		}
	}
	return nil
}

// HTTPHeader 将响应头列表转换为 http.Header，保持同名头的顺序。
func (p ResponseParts) HTTPHeader() http.Header {
	header := make(http.Header, len(p.Headers))
	for _, h := range p.Headers {
		header.Add(h.Name, string(h.Value))
	}
	return header
}
