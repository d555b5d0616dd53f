// 本文件实现输出格式化，支持 text（默认，适合人类阅读）和 json（每行一个对象）。
package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"

	"github.com/oriys/nimbus-runtime/internal/controlplane"
)

// Printer 按 output 配置格式化输出
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 从 viper 读取输出格式，未配置时使用 text
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "text"
	}
	return &Printer{format: format, writer: w}
}

// logLine 是日志记录的 JSON 形式
type logLine struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Target    string    `json:"target,omitempty"`
	File      string    `json:"file,omitempty"`
	Line      uint32    `json:"line,omitempty"`
	Message   string    `json:"message"`
}

// PrintLog 打印一条日志记录
func (p *Printer) PrintLog(item *controlplane.LogItem) error {
	rec := item.Record()
	if p.format == "json" {
		return json.NewEncoder(p.writer).Encode(logLine{
			ID:        hex.EncodeToString(rec.DeploymentID),
			Timestamp: rec.Timestamp.UTC(),
			Level:     rec.Level,
			Target:    rec.Target,
			File:      rec.File,
			Line:      rec.Line,
			Message:   rec.Message,
		})
	}

	location := rec.Target
	if rec.File != "" {
		location = fmt.Sprintf("%s:%d", rec.File, rec.Line)
	}
	_, err := fmt.Fprintf(p.writer, "%s %-5s [%x] %s %s\n",
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Level, rec.DeploymentID, location, rec.Message)
	return err
}

// PrintStatus 打印管理端返回的状态
func (p *Printer) PrintStatus(st *runtimeStatus) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "STATE:\t%s\n", st.State)
	if st.DeploymentID != "" {
		fmt.Fprintf(w, "DEPLOYMENT:\t%s\n", st.DeploymentID)
	}
	if st.Addr != "" {
		fmt.Fprintf(w, "ADDRESS:\t%s\n", st.Addr)
	}
	fmt.Fprintf(w, "LOGS SUBSCRIBED:\t%t\n", !st.LogsAvailable)
	return w.Flush()
}
