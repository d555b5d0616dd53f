package ipc

import (
	"fmt"
	"sync"
)

// Role 表示通道在协议中的逻辑角色
type Role int

const (
	RoleLogs      Role = iota // guest → host，日志帧
	RoleParts                 // 双向，请求元数据进、响应元数据出
	RoleBodyWrite             // host → guest，请求体
	RoleBodyRead              // guest → host，响应体
)

// roleCount 通道数量
const roleCount = 4

func (r Role) String() string {
	switch r {
	case RoleLogs:
		return "logs"
	case RoleParts:
		return "parts"
	case RoleBodyWrite:
		return "body-write"
	case RoleBodyRead:
		return "body-read"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Table 将逻辑角色映射到 guest 可见的描述符编号。
// 这是与 guest 工具链的二进制约定，编号只在此处定义。
type Table struct {
	Logs      uint32
	Parts     uint32
	BodyWrite uint32
	BodyRead  uint32
}

// DefaultTable 是 guest 工具链使用的描述符编号
var DefaultTable = Table{Logs: 20, Parts: 3, BodyWrite: 4, BodyRead: 5}

// Args 按入口函数参数顺序返回描述符：logs, parts, body-write, body-read。
func (t Table) Args() []uint64 {
	return []uint64{uint64(t.Logs), uint64(t.Parts), uint64(t.BodyWrite), uint64(t.BodyRead)}
}

// Lookup 根据描述符查找角色
func (t Table) Lookup(fd uint32) (Role, bool) {
	switch fd {
	case t.Logs:
		return RoleLogs, true
	case t.Parts:
		return RoleParts, true
	case t.BodyWrite:
		return RoleBodyWrite, true
	case t.BodyRead:
		return RoleBodyRead, true
	}
	return 0, false
}

// Transport 持有一个会话的四个通道。只能用于一个请求。
type Transport struct {
	table Table
	host  [roleCount]*Endpoint
	guest *GuestSide
	once  sync.Once
}

// NewTransport 创建会话通道。limit 为每个方向的缓冲上限。
// 只有 logs 通道使用阻塞写入，因为宿主在 guest 运行期间并发读取它；
// 其余通道在 guest 返回后才被读取，写满时直接报错。
func NewTransport(table Table, limit int) *Transport {
	t := &Transport{table: table}
	guest := &GuestSide{table: table}
	for r := Role(0); r < roleCount; r++ {
		toHost := NewPipe(limit, r == RoleLogs)
		toGuest := NewPipe(limit, false)
		t.host[r], guest.ends[r] = NewChannel(toGuest, toHost)
	}
	t.guest = guest
	return t
}

// Table 返回会话使用的描述符表
func (t *Transport) Table() Table {
	return t.table
}

// Host 返回宿主侧的端点
func (t *Transport) Host(r Role) *Endpoint {
	return t.host[r]
}

// Guest 返回 guest 侧视图
func (t *Transport) Guest() *GuestSide {
	return t.guest
}

// CloseGuest 关闭所有 guest 端点，宿主读取端随后得到 EOF。
// guest 入口函数返回后调用。
func (t *Transport) CloseGuest() {
	t.guest.closeAll()
}

// Close 关闭 guest 侧全部端点以及宿主侧除 logs 以外的端点。可重复调用。
//
// 宿主 logs 端点归日志读取方所有：它读到 EOF 后自行关闭，
// 因此 Close 之后缓冲中尚未读取的日志帧仍然可读。
func (t *Transport) Close() {
	t.once.Do(func() {
		t.guest.closeAll()
		for r, ep := range t.host {
			if Role(r) == RoleLogs {
				continue
			}
			ep.Close()
		}
	})
}

// GuestSide 是 guest 通过描述符访问的通道集合。
type GuestSide struct {
	table  Table
	mu     sync.Mutex
	ends   [roleCount]*Endpoint
	closed [roleCount]bool
}

// Table 返回描述符表
func (g *GuestSide) Table() Table {
	return g.table
}

// Endpoint 按描述符返回端点；未知或已被 guest 关闭的描述符返回 false。
func (g *GuestSide) Endpoint(fd uint32) (*Endpoint, bool) {
	role, ok := g.table.Lookup(fd)
	if !ok {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed[role] {
		return nil, false
	}
	return g.ends[role], true
}

// Close 由 guest 的 fd_close 调用，关闭对应通道的 guest 端。
func (g *GuestSide) Close(fd uint32) bool {
	role, ok := g.table.Lookup(fd)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed[role] {
		return false
	}
	g.closed[role] = true
	g.ends[role].Close()
	return true
}

func (g *GuestSide) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for r := range g.ends {
		if !g.closed[r] {
			g.closed[r] = true
			g.ends[r].Close()
		}
	}
}
