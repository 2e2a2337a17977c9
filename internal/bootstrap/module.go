package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/seantiz/anvil/internal/mutex"
	"github.com/seantiz/anvil/internal/sandbox"
)

const (
	exportsVar       = "__anvil_exports"
	toResultFunc     = "__anvil_toResult"
	permissionDenied = "PermissionDenied"
	maxCallStackSize = 1024
)

var (
	importStmt    = regexp.MustCompile(`(?m)^[ \t]*import[ \t\n{*"']`)
	exportDefault = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+default[ \t]+`)
	exportNamed   = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+((?:async[ \t]+)?function|class|const|let|var)\b`)
)

// transform rewrites module source into a script whose completion value is
// the module's exports object.
func transform(src string) (string, error) {
	if importStmt.MatchString(src) {
		return "", fmt.Errorf("import statements are not supported: %w", sandbox.ErrLoadFailed)
	}
	body := exportDefault.ReplaceAllString(src, "${1}"+exportsVar+".default = ")
	body = exportNamed.ReplaceAllString(body, "${1}${2}")
	return "(function () {\nvar " + exportsVar + " = {};\n" + body + "\n;return " + exportsVar + ";\n})()", nil
}

// module is a loaded user module with its own JS runtime. Requests run one
// at a time in arrival order, so module-level state persists between them.
type module struct {
	version string
	vm      *goja.Runtime
	handler goja.Callable
	logger  *slog.Logger

	mu    mutex.Mutex
	reqID string

	// imu orders watchdog interrupts against execution boundaries; active
	// is the sequence number of the running execution, zero when idle.
	imu    sync.Mutex
	seq    uint64
	active uint64
}

// result is the HTTP response produced by a handler.
type result struct {
	status int
	header http.Header
	body   string
}

// compileModule compiles src, evaluates its top level once and checks that
// the default export is callable.
func compileModule(version string, src []byte, timeout time.Duration, logger *slog.Logger) (*module, error) {
	wrapped, err := transform(string(src))
	if err != nil {
		return nil, err
	}
	prog, err := goja.Compile(version+".js", wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compile: %v: %w", err, sandbox.ErrLoadFailed)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	m := &module{version: version, vm: vm, logger: logger}
	m.installConsole()

	if _, err := vm.RunProgram(preludeProgram); err != nil {
		return nil, fmt.Errorf("run prelude: %w", err)
	}

	seq := m.begin()
	timer := time.AfterFunc(timeout, func() { m.interrupt(seq, sandbox.ErrTimeout) })
	exports, err := vm.RunProgram(prog)
	timer.Stop()
	m.end()
	if err != nil {
		return nil, fmt.Errorf("evaluate: %v: %w", classify(err), sandbox.ErrLoadFailed)
	}

	def := exports.ToObject(vm).Get("default")
	fn, ok := goja.AssertFunction(def)
	if !ok {
		return nil, fmt.Errorf("default export is not a function: %w", sandbox.ErrLoadFailed)
	}
	m.handler = fn
	return m, nil
}

func (m *module) installConsole() {
	console := m.vm.NewObject()
	levels := []struct {
		name  string
		level slog.Level
	}{
		{"log", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, l := range levels {
		level := l.level
		_ = console.Set(l.name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			m.logger.Log(context.Background(), level, strings.Join(parts, " "),
				"source", "console",
				"version", m.version,
				"req_id", m.reqID,
			)
			return goja.Undefined()
		})
	}
	_ = m.vm.Set("console", console)
}

// serve runs the default export for r. Execution is interrupted when timeout
// passes or ctx ends.
func (m *module) serve(ctx context.Context, r *http.Request, body []byte, reqID string, timeout time.Duration) (*result, error) {
	if err := m.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	vm := m.vm
	m.reqID = reqID

	seq := m.begin()
	defer m.end()
	timer := time.AfterFunc(timeout, func() { m.interrupt(seq, sandbox.ErrTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { m.interrupt(seq, context.Cause(ctx)) })
	defer stop()

	req, err := m.newRequest(r, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	out, err := m.handler(goja.Undefined(), req)
	if err != nil {
		return nil, classify(err)
	}
	out, err = settle(out)
	if err != nil {
		return nil, err
	}

	toResult, ok := goja.AssertFunction(vm.Get(toResultFunc))
	if !ok {
		return nil, errors.New("response converter missing")
	}
	res, err := toResult(goja.Undefined(), out)
	if err != nil {
		return nil, classify(err)
	}
	return m.exportResult(res)
}

// begin marks the start of an execution and clears any interrupt left over
// from an earlier one.
func (m *module) begin() uint64 {
	m.imu.Lock()
	defer m.imu.Unlock()
	m.seq++
	m.active = m.seq
	m.vm.ClearInterrupt()
	return m.seq
}

func (m *module) end() {
	m.imu.Lock()
	defer m.imu.Unlock()
	m.active = 0
	m.vm.ClearInterrupt()
}

// interrupt stops execution seq if it is still running. Late watchdogs of
// finished executions are ignored.
func (m *module) interrupt(seq uint64, cause error) {
	m.imu.Lock()
	defer m.imu.Unlock()
	if m.active == seq {
		m.vm.Interrupt(cause)
	}
}

func (m *module) newRequest(r *http.Request, body []byte) (goja.Value, error) {
	vm := m.vm

	headers := vm.NewObject()
	for k, vs := range r.Header {
		if slices.Contains(sandbox.ControlHeaders, k) {
			continue
		}
		if err := headers.Set(k, strings.Join(vs, ", ")); err != nil {
			return nil, err
		}
	}

	init := vm.NewObject()
	if err := init.Set("method", r.Method); err != nil {
		return nil, err
	}
	if err := init.Set("headers", headers); err != nil {
		return nil, err
	}
	if err := init.Set("body", string(body)); err != nil {
		return nil, err
	}

	url := "http://" + r.Host + r.URL.RequestURI()
	return vm.New(vm.Get("Request"), vm.ToValue(url), init)
}

func (m *module) exportResult(v goja.Value) (*result, error) {
	obj := v.ToObject(m.vm)
	res := &result{
		status: int(obj.Get("status").ToInteger()),
		header: http.Header{},
		body:   obj.Get("body").String(),
	}
	if res.status < 100 || res.status > 999 {
		return nil, fmt.Errorf("invalid response status %d", res.status)
	}

	var pairs [][]string
	if err := m.vm.ExportTo(obj.Get("headers"), &pairs); err != nil {
		return nil, fmt.Errorf("export headers: %w", err)
	}
	for _, p := range pairs {
		if len(p) == 2 {
			res.header.Add(p[0], p[1])
		}
	}
	return res, nil
}

// settle unwraps a promise returned by an async handler. A promise still
// pending once the job queue has drained can never settle.
func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, jsError(p.Result())
	default:
		return nil, fmt.Errorf("handler promise never settled: %w", sandbox.ErrTimeout)
	}
}

// classify converts a goja error into a sandbox failure kind.
func classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("execution interrupted: %w", cause)
		}
		return fmt.Errorf("execution interrupted: %w", sandbox.ErrTimeout)
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return jsError(exc.Value())
	}
	return err
}

// jsError converts a thrown JS value into an error, recognising
// PermissionDenied as a capability violation.
func jsError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return fmt.Errorf("uncaught %s", v)
	}

	name, message := "Error", ""
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		message = msg.String()
	}
	if name == permissionDenied {
		return fmt.Errorf("%s: %w", message, sandbox.ErrUnauthorized)
	}
	if message == "" {
		return fmt.Errorf("uncaught %s", obj)
	}
	return fmt.Errorf("%s: %s", name, message)
}
