package sandbox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/ipc"
	"github.com/oriys/nimbus-runtime/internal/telemetry"
)

// Config 沙箱引擎配置
type Config struct {
	// EntryPoint 入口函数名，为空时使用 DefaultEntryPoint
	EntryPoint string
	// MemoryLimitPages 每个实例的线性内存上限（64 KiB 页），0 表示使用 wazero 默认值
	MemoryLimitPages uint32
	// InvokeTimeout 单次 guest 调用的时间上限，0 表示不限制
	InvokeTimeout time.Duration
}

// Engine 持有进程级的 wazero 运行时，创建一次，供所有模块和会话共享。
type Engine struct {
	runtime wazero.Runtime
	cfg     Config
	logger  *logrus.Logger
}

// NewEngine 创建运行时并注册带通道感知的 WASI 宿主模块。
//
// 参数:
//   - ctx: 创建运行时和实例化宿主模块使用的上下文
//   - cfg: 入口函数名、内存上限和调用超时
//   - logger: 日志记录器实例，为 nil 时使用 logrus 标准日志器
//
// 返回值:
//   - *Engine: 进程级引擎，进程退出前调用 Close 释放
//   - error: 宿主模块实例化失败时返回
func NewEngine(ctx context.Context, cfg Config, logger *logrus.Logger) (*Engine, error) {
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = DefaultEntryPoint
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	e := &Engine{runtime: rt, cfg: cfg, logger: logger}
	if err := e.instantiateWASI(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasi host module: %w", err)
	}
	return e, nil
}

// instantiateWASI 导出完整的 WASI preview1 函数集，
// 再用通道版本覆盖 fd_read、fd_write、fd_close。
func (e *Engine) instantiateWASI(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder(wasi_snapshot_preview1.ModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)

	i32 := api.ValueTypeI32
	stdio := newStdioSink(e.logger)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(fdRead), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("fd", "iovs", "iovs_len", "result.nread").
		Export("fd_read")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(stdio.fdWrite), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("fd", "iovs", "iovs_len", "result.nwritten").
		Export("fd_write")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(fdClose), []api.ValueType{i32}, []api.ValueType{i32}).
		WithParameterNames("fd").
		Export("fd_close")

	_, err := builder.Instantiate(ctx)
	return err
}

// Load 读取并编译 guest 模块。入口函数是否存在不在此处检查。
func (e *Engine) Load(ctx context.Context, path string) (Handle, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompile, err)
	}
	return e.Compile(ctx, bin)
}

// Compile 编译内存中的 guest 模块
func (e *Engine) Compile(ctx context.Context, bin []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompile, err)
	}
	return &Module{engine: e, compiled: compiled}, nil
}

// Close 释放运行时及其编译的全部模块
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Module 是已编译的 guest 模块，只读，可被并发会话共享。
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
}

// NewSession 实例化一个匿名模块。每个实例拥有独立的内存和系统资源。
func (m *Module) NewSession(ctx context.Context) (Instance, error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		if mod != nil {
			_ = mod.Close(ctx)
		}
		return nil, fmt.Errorf("%w: instantiate: %v", domain.ErrGuestInvocation, err)
	}
	return &instance{mod: mod, cfg: m.engine.cfg}, nil
}

// Close 释放编译产物
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

type instance struct {
	mod api.Module
	cfg Config
}

// Call 调用入口函数。trap、缺失导出、签名不符或非零退出码都视为 guest 调用错误。
func (i *instance) Call(ctx context.Context, guest *ipc.GuestSide) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "sandbox.call")
	span.SetAttributes(attribute.String("sandbox.entry_point", i.cfg.EntryPoint))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	fn := i.mod.ExportedFunction(i.cfg.EntryPoint)
	if fn == nil {
		return fmt.Errorf("%w: missing export %q", domain.ErrGuestInvocation, i.cfg.EntryPoint)
	}
	if err := checkSignature(fn.Definition()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGuestInvocation, err)
	}

	if i.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.InvokeTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrGuestInvocation, r)
		}
	}()

	_, callErr := fn.Call(withGuest(ctx, guest), guest.Table().Args()...)
	if callErr == nil {
		return nil
	}
	var exitErr *sys.ExitError
	if errors.As(callErr, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrGuestInvocation, callErr)
}

func (i *instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

func checkSignature(def api.FunctionDefinition) error {
	params := def.ParamTypes()
	if len(params) != 4 || len(def.ResultTypes()) != 0 {
		return fmt.Errorf("entry point %s must have signature (i32, i32, i32, i32) -> ()", def.Name())
	}
	for _, p := range params {
		if p != api.ValueTypeI32 {
			return fmt.Errorf("entry point %s must take i32 parameters", def.Name())
		}
	}
	return nil
}
