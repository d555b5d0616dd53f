package ipc

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeHalfClose(t *testing.T) {
	p := NewPipe(0, false)
	_, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	p.CloseWrite()

	data, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	p := NewPipe(0, false)
	done := make(chan string)
	go func() {
		buf := make([]byte, 8)
		n, _ := p.Read(buf)
		done <- string(buf[:n])
	}()

	select {
	case <-done:
		t.Fatal("read returned before any write")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := p.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", <-done)
}

func TestPipeLimitNonBlocking(t *testing.T) {
	p := NewPipe(4, false)
	_, err := p.Write([]byte("abcd"))
	require.NoError(t, err)
	_, err = p.Write([]byte("e"))
	assert.ErrorIs(t, err, ErrPipeFull)
	assert.Equal(t, 4, p.Buffered())
}

func TestPipeLimitBlocking(t *testing.T) {
	p := NewPipe(4, true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := p.Write([]byte("0123456789"))
		assert.NoError(t, err)
		assert.Equal(t, 10, n)
		p.CloseWrite()
	}()

	data, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	wg.Wait()
}

func TestPipeCloseReadUnblocksWriter(t *testing.T) {
	p := NewPipe(2, true)
	errc := make(chan error, 1)
	go func() {
		_, err := p.Write([]byte("too long"))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.CloseRead()
	assert.ErrorIs(t, <-errc, io.ErrClosedPipe)
}

func TestTableLookup(t *testing.T) {
	table := DefaultTable
	assert.Equal(t, []uint64{20, 3, 4, 5}, table.Args())

	for fd, want := range map[uint32]Role{20: RoleLogs, 3: RoleParts, 4: RoleBodyWrite, 5: RoleBodyRead} {
		role, ok := table.Lookup(fd)
		require.True(t, ok, "fd %d", fd)
		assert.Equal(t, want, role)
	}
	_, ok := table.Lookup(0)
	assert.False(t, ok)
	assert.Equal(t, "body-write", RoleBodyWrite.String())
}

func TestTransportDirections(t *testing.T) {
	tr := NewTransport(DefaultTable, 1024)
	defer tr.Close()
	guest := tr.Guest()

	// host → guest
	parts := tr.Host(RoleParts)
	_, err := parts.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, parts.CloseWrite())

	ep, ok := guest.Endpoint(DefaultTable.Parts)
	require.True(t, ok)
	data, err := io.ReadAll(ep)
	require.NoError(t, err)
	assert.Equal(t, "request", string(data))

	// guest → host，同一通道反方向
	_, err = ep.Write([]byte("response"))
	require.NoError(t, err)
	tr.CloseGuest()

	data, err = io.ReadAll(parts)
	require.NoError(t, err)
	assert.Equal(t, "response", string(data))

	_, ok = guest.Endpoint(DefaultTable.Parts)
	assert.False(t, ok)
}

func TestGuestCloseSignalsEOF(t *testing.T) {
	tr := NewTransport(DefaultTable, 1024)
	defer tr.Close()
	guest := tr.Guest()

	ep, ok := guest.Endpoint(DefaultTable.BodyRead)
	require.True(t, ok)
	_, err := ep.Write([]byte("body"))
	require.NoError(t, err)

	assert.True(t, guest.Close(DefaultTable.BodyRead))
	assert.False(t, guest.Close(DefaultTable.BodyRead))
	assert.False(t, guest.Close(99))

	data, err := io.ReadAll(tr.Host(RoleBodyRead))
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
}

func TestTransportCloseFailsGuestWrites(t *testing.T) {
	tr := NewTransport(DefaultTable, 1024)
	ep, ok := tr.Guest().Endpoint(DefaultTable.Logs)
	require.True(t, ok)

	tr.Close()
	tr.Close()

	_, err := ep.Write([]byte("late"))
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
}

func TestTransportCloseKeepsBufferedLogs(t *testing.T) {
	tr := NewTransport(DefaultTable, 1024)
	ep, ok := tr.Guest().Endpoint(DefaultTable.Logs)
	require.True(t, ok)
	_, err := ep.Write([]byte("pending record"))
	require.NoError(t, err)

	tr.Close()

	logs := tr.Host(RoleLogs)
	data, err := io.ReadAll(logs)
	require.NoError(t, err)
	assert.Equal(t, "pending record", string(data))
	require.NoError(t, logs.Close())

	_, err = tr.Host(RoleParts).Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
