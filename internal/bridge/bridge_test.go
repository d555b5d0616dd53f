package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/logmux"
	"github.com/oriys/nimbus-runtime/internal/metrics"
	"github.com/oriys/nimbus-runtime/internal/sandbox"
	"github.com/oriys/nimbus-runtime/internal/sandbox/sandboxtest"
	"github.com/oriys/nimbus-runtime/internal/sandbox/wasmtest"
	"github.com/oriys/nimbus-runtime/internal/scheduler"
	"github.com/oriys/nimbus-runtime/internal/wire"
)

type fixture struct {
	bridge *Bridge
	handle *sandboxtest.Handle
	rx     *logmux.Receiver
}

func newFixture(t *testing.T, fn sandboxtest.GuestFunc) *fixture {
	t.Helper()
	return newFixtureWithQueue(t, fn, 1024)
}

func newFixtureWithQueue(t *testing.T, fn sandboxtest.GuestFunc, capacity int) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.NewMetrics("test", prometheus.NewRegistry())

	pool := scheduler.NewPool(scheduler.Config{Workers: 4, QueueSize: 16}, m, logger)
	pool.Start()
	t.Cleanup(pool.Stop)

	tx, rx := logmux.New(capacity, m)
	handle := sandboxtest.NewHandle(fn)
	b := New(handle, []byte("deploy-1"), tx, pool, Config{}, m, logger)
	t.Cleanup(b.Close)
	return &fixture{bridge: b, handle: handle, rx: rx}
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, http.Header, string, error) {
	t.Helper()
	resp, err := f.bridge.Handle(req.Context(), req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.Status, resp.Header, string(body), nil
}

func echoGuest(_ context.Context, g *sandboxtest.Guest) error {
	if _, err := g.Request(); err != nil {
		return err
	}
	body, err := g.Body()
	if err != nil {
		return err
	}
	return g.Respond(200, []wire.Header{{Name: "x-echo", Value: []byte("yes")}}, body)
}

func panicGuest(context.Context, *sandboxtest.Guest) error {
	panic("guest must not be invoked")
}

func TestEchoUnderLimit(t *testing.T) {
	f := newFixture(t, echoGuest)

	for _, size := range []int{0, 1, 1024, DefaultMaxBodyBytes} {
		payload := bytes.Repeat([]byte("a"), size)
		req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(payload))

		status, header, body, err := f.do(t, req)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, 200, status)
		assert.Equal(t, "yes", header.Get("X-Echo"))
		assert.Equal(t, string(payload), body)
	}
	assert.Equal(t, int64(0), f.handle.Live())
}

func TestOversizedBodySkipsGuest(t *testing.T) {
	f := newFixture(t, panicGuest)

	t.Run("declared", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small"))
		req.ContentLength = DefaultMaxBodyBytes + 1
		_, _, _, err := f.do(t, req)
		assert.ErrorIs(t, err, domain.ErrOversizedBody)
	})

	t.Run("observed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, DefaultMaxBodyBytes+10)))
		req.ContentLength = -1
		_, _, _, err := f.do(t, req)
		assert.ErrorIs(t, err, domain.ErrOversizedBody)
	})

	assert.Equal(t, int64(0), f.handle.Calls())
	assert.Equal(t, int64(0), f.handle.Live())
}

func TestRequestPartsReachGuest(t *testing.T) {
	var got wire.RequestParts
	f := newFixture(t, func(_ context.Context, g *sandboxtest.Guest) error {
		parts, err := g.Request()
		if err != nil {
			return err
		}
		got = parts
		return g.Respond(204, nil, nil)
	})

	req := httptest.NewRequest(http.MethodDelete, "/items/7?force=true", nil)
	req.Header.Set("Test", "goodbye")
	status, _, body, err := f.do(t, req)
	require.NoError(t, err)
	assert.Equal(t, 204, status)
	assert.Empty(t, body)

	assert.Equal(t, "DELETE", got.Method)
	assert.Equal(t, "/items/7?force=true", got.URI)
	assert.Equal(t, "HTTP/1.1", got.Version)
	assert.Contains(t, got.Headers, wire.Header{Name: "Test", Value: []byte("goodbye")})
}

func TestGuestFailuresAreRequestLocal(t *testing.T) {
	cases := map[string]struct {
		fn   sandboxtest.GuestFunc
		want error
	}{
		"panic": {
			fn:   func(context.Context, *sandboxtest.Guest) error { panic("boom") },
			want: domain.ErrGuestInvocation,
		},
		"error": {
			fn:   func(context.Context, *sandboxtest.Guest) error { return errors.New("trap") },
			want: domain.ErrGuestInvocation,
		},
		"no response": {
			fn:   func(context.Context, *sandboxtest.Guest) error { return nil },
			want: domain.ErrIPCCodec,
		},
		"garbage": {
			fn: func(_ context.Context, g *sandboxtest.Guest) error {
				return g.WriteRaw([]byte{0, 0, 0, 2, 0xff, 0xff})
			},
			want: domain.ErrIPCCodec,
		},
		"truncated": {
			fn: func(_ context.Context, g *sandboxtest.Guest) error {
				return g.WriteRaw([]byte{0, 0, 0, 10, 0xa0})
			},
			want: domain.ErrIPCCodec,
		},
		"invalid status": {
			fn: func(_ context.Context, g *sandboxtest.Guest) error {
				return g.Respond(0, nil, nil)
			},
			want: domain.ErrIPCCodec,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			failing := true
			var mu sync.Mutex
			f := newFixture(t, func(ctx context.Context, g *sandboxtest.Guest) error {
				mu.Lock()
				fail := failing
				failing = false
				mu.Unlock()
				if fail {
					return tc.fn(ctx, g)
				}
				return echoGuest(ctx, g)
			})

			_, _, _, err := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.ErrorIs(t, err, tc.want)

			// 后续请求不受影响
			status, _, body, err := f.do(t, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok")))
			require.NoError(t, err)
			assert.Equal(t, 200, status)
			assert.Equal(t, "ok", body)
			assert.Equal(t, int64(0), f.handle.Live())
		})
	}
}

func TestSessionsDoNotShareState(t *testing.T) {
	f := newFixture(t, func(_ context.Context, g *sandboxtest.Guest) error {
		g.State["requests"]++
		if g.State["requests"] > 1 {
			return errors.New("state leaked from a previous request")
		}
		return g.Respond(200, nil, []byte("fresh"))
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.bridge.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
			if assert.NoError(t, err) {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16), f.handle.Sessions())
}

func TestLogsFromConcurrentRequests(t *testing.T) {
	const requests, perRequest = 10, 50
	f := newFixture(t, func(_ context.Context, g *sandboxtest.Guest) error {
		parts, err := g.Request()
		if err != nil {
			return err
		}
		for i := 0; i < perRequest; i++ {
			if err := g.Log("INFO", fmt.Sprintf("%s %d", parts.URI, i)); err != nil {
				return err
			}
		}
		return g.Respond(200, nil, nil)
	})

	var wg sync.WaitGroup
	for r := 0; r < requests; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			_, _, _, err := f.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/r%d", r), nil))
			assert.NoError(t, err)
		}(r)
	}

	next := make(map[string]int)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for n := 0; n < requests*perRequest; n++ {
		rec, err := f.rx.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("deploy-1"), rec.DeploymentID)

		var uri string
		var seq int
		_, err = fmt.Sscanf(rec.Message, "%s %d", &uri, &seq)
		require.NoError(t, err)
		assert.Equal(t, next[uri], seq, "records for %s out of order", uri)
		next[uri]++
	}
	wg.Wait()
	require.NoError(t, f.bridge.Wait(ctx))
	assert.Len(t, next, requests)
}

func TestDetachedSubscriberDoesNotBlockRequests(t *testing.T) {
	f := newFixture(t, func(_ context.Context, g *sandboxtest.Guest) error {
		for i := 0; i < 2000; i++ {
			if err := g.Log("DEBUG", "noise"); err != nil {
				return err
			}
		}
		return g.Respond(200, nil, []byte("done"))
	})
	f.rx.Close()

	status, _, body, err := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "done", body)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.bridge.Wait(ctx))
}

func TestSequentialRequestsDeliverEveryLog(t *testing.T) {
	const requests, perRequest = 20, 5
	f := newFixture(t, func(_ context.Context, g *sandboxtest.Guest) error {
		for i := 0; i < perRequest; i++ {
			if err := g.Log("INFO", fmt.Sprintf("line %d", i)); err != nil {
				return err
			}
		}
		return g.Respond(200, nil, []byte("ok"))
	})

	for r := 0; r < requests; r++ {
		status, _, body, err := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, status)
		assert.Equal(t, "ok", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.bridge.Wait(ctx))
	assert.Len(t, f.rx.C(), requests*perRequest)
}

func TestWasmGuestThroughBridge(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	engine, err := sandbox.NewEngine(ctx, sandbox.Config{}, logger)
	require.NoError(t, err)
	defer engine.Close(ctx)
	mod, err := engine.Compile(ctx, wasmtest.Logging(202, "hello from wasm", "first", "second").Binary())
	require.NoError(t, err)

	pool := scheduler.NewPool(scheduler.Config{Workers: 2, QueueSize: 4}, nil, logger)
	pool.Start()
	defer pool.Stop()

	tx, rx := logmux.New(16, nil)
	b := New(mod, []byte("wasm-deploy"), tx, pool, Config{}, nil, logger)
	defer b.Close()

	resp, err := b.Handle(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 202, resp.Status)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "hello from wasm", string(body))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, want := range []string{"first", "second"} {
		rec, err := rx.Recv(recvCtx)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Message)
		assert.Equal(t, "INFO", rec.Level)
		assert.Equal(t, []byte("wasm-deploy"), rec.DeploymentID)
	}
	require.NoError(t, b.Wait(recvCtx))
}

// cancelledRunner 模拟请求在工作池开始执行之前被取消
type cancelledRunner struct{}

func (cancelledRunner) Run(ctx context.Context, _ func() error) error {
	return ctx.Err()
}

func TestCancelledRequestIsNotGuestError(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	tx, rx := logmux.New(16, m)
	defer rx.Close()
	handle := sandboxtest.NewHandle(panicGuest)
	b := New(handle, []byte("d"), tx, cancelledRunner{}, Config{}, m, logger)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Handle(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, domain.ErrRequestCancelled)
	assert.NotErrorIs(t, err, domain.ErrGuestInvocation)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GuestInvocationErrors.WithLabelValues("cancelled")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.GuestInvocationErrors.WithLabelValues("invocation")))
	assert.Equal(t, int64(0), handle.Calls())
	assert.Equal(t, int64(0), handle.Live())
}

func TestCloseReleasesBlockedForwarders(t *testing.T) {
	f := newFixtureWithQueue(t, func(_ context.Context, g *sandboxtest.Guest) error {
		for i := 0; i < 5; i++ {
			if err := g.Log("INFO", "queued"); err != nil {
				return err
			}
		}
		return g.Respond(200, nil, nil)
	}, 1)

	status, _, _, err := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	// 订阅者存在但不消费，转发协程阻塞在队列上
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.bridge.Wait(ctx), context.DeadlineExceeded)

	f.bridge.Close()
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.bridge.Wait(ctx))
	assert.Len(t, f.rx.C(), 1)
}
