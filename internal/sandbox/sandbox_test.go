package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/ipc"
	"github.com/oriys/nimbus-runtime/internal/sandbox/wasmtest"
	"github.com/oriys/nimbus-runtime/internal/wire"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx := context.Background()
	engine, err := NewEngine(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(ctx) })
	return engine
}

func compile(t *testing.T, engine *Engine, g wasmtest.Module) *Module {
	t.Helper()
	mod, err := engine.Compile(context.Background(), g.Binary())
	require.NoError(t, err)
	return mod
}

// runSession 以一个全新的实例执行一次请求，返回响应元数据、响应体和调用错误。
func runSession(t *testing.T, mod Handle, body string) (wire.ResponseParts, string, error) {
	t.Helper()
	ctx := context.Background()

	tr := ipc.NewTransport(ipc.DefaultTable, 1<<20)
	defer tr.Close()

	if body != "" {
		_, err := tr.Host(ipc.RoleBodyWrite).Write([]byte(body))
		require.NoError(t, err)
	}
	for r := ipc.RoleLogs; r <= ipc.RoleBodyRead; r++ {
		require.NoError(t, tr.Host(r).CloseWrite())
	}

	inst, err := mod.NewSession(ctx)
	require.NoError(t, err)
	callErr := inst.Call(ctx, tr.Guest())
	tr.CloseGuest()
	require.NoError(t, inst.Close(ctx))
	if callErr != nil {
		return wire.ResponseParts{}, "", callErr
	}

	var parts wire.ResponseParts
	require.NoError(t, wire.ReadFrame(tr.Host(ipc.RoleParts), &parts, wire.DefaultMaxFrameSize))
	out, err := io.ReadAll(tr.Host(ipc.RoleBodyRead))
	require.NoError(t, err)
	return parts, string(out), nil
}

func TestGuestExportsDefaultEntryPoint(t *testing.T) {
	assert.Equal(t, DefaultEntryPoint, wasmtest.EntryPoint)
}

func TestSessionWritesResponse(t *testing.T) {
	engine := newTestEngine(t, Config{})
	mod := compile(t, engine, wasmtest.Fixed(200, "Hello, World!"))

	parts, body, err := runSession(t, mod, "")
	require.NoError(t, err)
	assert.Equal(t, uint16(200), parts.Status)
	assert.Equal(t, "text/plain", parts.HTTPHeader().Get("Content-Type"))
	assert.Equal(t, "Hello, World!", body)
}

func TestSessionEchoesBody(t *testing.T) {
	engine := newTestEngine(t, Config{})
	mod := compile(t, engine, wasmtest.Echo())

	parts, body, err := runSession(t, mod, "this should be echoed")
	require.NoError(t, err)
	assert.Equal(t, uint16(200), parts.Status)
	assert.Equal(t, "this should be echoed", body)
}

func TestSessionsAreIsolated(t *testing.T) {
	engine := newTestEngine(t, Config{})
	mod := compile(t, engine, wasmtest.Fixed(200, "ok"))

	// 计数器大于 1 时 guest 会 trap，新实例总是从零开始
	for i := 0; i < 3; i++ {
		_, body, err := runSession(t, mod, "")
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, "ok", body)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := runSession(t, mod, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// 同一实例被调用两次会观察到残留状态
	ctx := context.Background()
	inst, err := mod.NewSession(ctx)
	require.NoError(t, err)
	defer inst.Close(ctx)
	tr := ipc.NewTransport(ipc.DefaultTable, 1<<20)
	defer tr.Close()
	require.NoError(t, inst.Call(ctx, tr.Guest()))
	assert.ErrorIs(t, inst.Call(ctx, tr.Guest()), domain.ErrGuestInvocation)
}

func TestTrapIsGuestInvocationError(t *testing.T) {
	engine := newTestEngine(t, Config{})
	mod := compile(t, engine, wasmtest.Trap())

	_, _, err := runSession(t, mod, "")
	assert.ErrorIs(t, err, domain.ErrGuestInvocation)

	// trap 不影响后续会话的创建
	inst, err := mod.NewSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, inst.Close(context.Background()))
}

func TestDescriptorErrors(t *testing.T) {
	engine := newTestEngine(t, Config{})

	cases := map[string]struct {
		fn   string
		want uint32
		args [][]byte
	}{
		"unknown descriptor": {
			fn:   "fd_write",
			want: errnoBadf,
			args: [][]byte{wasmtest.I32Const(99), wasmtest.I32Const(wasmtest.PartsIovec), wasmtest.I32Const(1), wasmtest.I32Const(wasmtest.Scratch)},
		},
		"write iovec count above limit": {
			fn:   "fd_write",
			want: errnoInval,
			args: [][]byte{wasmtest.LocalGet(1), wasmtest.I32Const(0), wasmtest.I32Const(-1), wasmtest.I32Const(wasmtest.Scratch)},
		},
		"read iovec count above limit": {
			fn:   "fd_read",
			want: errnoInval,
			args: [][]byte{wasmtest.LocalGet(2), wasmtest.I32Const(0), wasmtest.I32Const(iovMax + 1), wasmtest.I32Const(wasmtest.Scratch)},
		},
		"iovec array past memory": {
			fn:   "fd_write",
			want: errnoFault,
			args: [][]byte{wasmtest.LocalGet(1), wasmtest.I32Const(wasmtest.PageSize - 8), wasmtest.I32Const(2), wasmtest.I32Const(wasmtest.Scratch)},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mod := compile(t, engine, wasmtest.Errno(tc.fn, tc.want, tc.args...))
			parts, body, err := runSession(t, mod, "")
			require.NoError(t, err)
			assert.Equal(t, uint16(200), parts.Status)
			assert.Empty(t, body)
		})
	}
}

func TestEntryPointChecks(t *testing.T) {
	engine := newTestEngine(t, Config{})

	t.Run("missing export", func(t *testing.T) {
		g := wasmtest.Fixed(200, "x")
		g.EntryName = "something_else"
		_, _, err := runSession(t, compile(t, engine, g), "")
		assert.ErrorIs(t, err, domain.ErrGuestInvocation)
	})

	t.Run("wrong signature", func(t *testing.T) {
		g := wasmtest.Module{Imports: []string{"fd_write"}, EntryName: DefaultEntryPoint, EntryParams: 2}
		_, _, err := runSession(t, compile(t, engine, g), "")
		assert.ErrorIs(t, err, domain.ErrGuestInvocation)
	})

	t.Run("custom entry point", func(t *testing.T) {
		custom := newTestEngine(t, Config{EntryPoint: "handle"})
		g := wasmtest.Fixed(201, "created")
		g.EntryName = "handle"
		parts, body, err := runSession(t, compile(t, custom, g), "")
		require.NoError(t, err)
		assert.Equal(t, uint16(201), parts.Status)
		assert.Equal(t, "created", body)
	})
}

func TestLoad(t *testing.T) {
	engine := newTestEngine(t, Config{})
	ctx := context.Background()
	dir := t.TempDir()

	_, err := engine.Load(ctx, filepath.Join(dir, "missing.wasm"))
	assert.ErrorIs(t, err, domain.ErrCompile)

	garbage := filepath.Join(dir, "garbage.wasm")
	require.NoError(t, os.WriteFile(garbage, []byte("not wasm"), 0o644))
	_, err = engine.Load(ctx, garbage)
	assert.ErrorIs(t, err, domain.ErrCompile)

	valid := filepath.Join(dir, "guest.wasm")
	require.NoError(t, os.WriteFile(valid, wasmtest.Fixed(200, "ok").Binary(), 0o644))
	handle, err := engine.Load(ctx, valid)
	require.NoError(t, err)
	require.NoError(t, handle.Close(ctx))
}
