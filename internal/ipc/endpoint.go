package ipc

// Endpoint 是双工通道的一端：从 in 读取，向 out 写入。
type Endpoint struct {
	in  *Pipe
	out *Pipe
}

// NewChannel 创建一个双工通道，返回宿主端和 guest 端。
// toGuest 与 toHost 分别为两个方向的管道。
func NewChannel(toGuest, toHost *Pipe) (host, guest *Endpoint) {
	host = &Endpoint{in: toHost, out: toGuest}
	guest = &Endpoint{in: toGuest, out: toHost}
	return host, guest
}

func (e *Endpoint) Read(p []byte) (int, error) {
	return e.in.Read(p)
}

func (e *Endpoint) Write(p []byte) (int, error) {
	return e.out.Write(p)
}

// CloseWrite 半关闭：对端读到 EOF，本端仍可继续读取。
func (e *Endpoint) CloseWrite() error {
	e.out.CloseWrite()
	return nil
}

// Close 关闭两个方向。
func (e *Endpoint) Close() error {
	e.out.CloseWrite()
	e.in.CloseRead()
	return nil
}
