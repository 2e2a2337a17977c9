package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/sandbox"
)

const (
	healthTimeout      = 5 * time.Second
	healthProbeTimeout = time.Second
	healthBaseBackoff  = 20 * time.Millisecond
	healthMaxBackoff   = 250 * time.Millisecond
)

// HealthCheck polls the sandbox until it answers a health probe, the
// sandbox exits, ctx ends, or five seconds pass. It reports whether the
// sandbox is healthy.
func (w *Worker) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	w.mu.Lock()
	running, exited := w.running, w.exited
	w.mu.Unlock()
	if !running {
		return false
	}

	backoff := healthBaseBackoff
	for {
		if w.probe(ctx) {
			w.markHealthy()
			return true
		}

		select {
		case <-exited:
			return false
		case <-ctx.Done():
			w.logger.Warn("health check timed out")
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, healthMaxBackoff)
	}
}

func (w *Worker) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+w.baseHost()+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set(sandbox.HeaderHealthCheck, "true")

	resp, err := w.transport.RoundTrip(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (w *Worker) markHealthy() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.booted {
		w.booted = true
		bootDuration.Observe(time.Since(w.startedAt).Seconds())
	}
	if w.state == model.WorkerStarting {
		w.setState(model.WorkerReady)
	}
}

// Run forwards req to the sandbox with mod loaded. If the sandbox holds a
// different version (or none), the module is hot-swapped first: its content
// is linked into the worker directory and the request carries the load
// header. The sandbox response is returned unmodified; the caller must
// close its body.
func (w *Worker) Run(ctx context.Context, req *http.Request, mod model.Module) (*http.Response, error) {
	if !w.Running() {
		return nil, fmt.Errorf("run %s: %w", w.name, ErrNotRunning)
	}
	if !w.needsSwap(mod) {
		return w.forward(ctx, req, mod, false)
	}

	if err := w.swapMu.Lock(ctx); err != nil {
		return nil, err
	}
	defer w.swapMu.Unlock()

	// Another request may have completed the swap while we waited.
	if !w.needsSwap(mod) {
		return w.forward(ctx, req, mod, false)
	}
	return w.swap(ctx, req, mod)
}

func (w *Worker) needsSwap(mod model.Module) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.module == nil || w.module.Version != mod.Version
}

// swap must be called with w.swapMu held.
func (w *Worker) swap(ctx context.Context, req *http.Request, mod model.Module) (*http.Response, error) {
	// Without replacement the sandbox accepts one load per process, and a
	// failed forward leaves it unknown whether that load took effect.
	if w.dirty() && !w.opts.AllowReplace {
		w.logger.Debug("restarting sandbox to replace module", "module", mod.Name)
		if err := w.Restart(ctx); err != nil {
			hotSwapsTotal.WithLabelValues(swapFailed).Inc()
			return nil, err
		}
		if !w.HealthCheck(ctx) {
			hotSwapsTotal.WithLabelValues(swapFailed).Inc()
			return nil, fmt.Errorf("restart %s: %w", w.name, ErrHealthCheckFailed)
		}
	}

	if err := w.linkModule(mod.Version); err != nil {
		w.setModule(nil)
		hotSwapsTotal.WithLabelValues(swapFailed).Inc()
		return nil, err
	}

	w.markLoadSent()
	resp, err := w.forward(ctx, req, mod, true)
	if err != nil {
		w.setModule(nil)
		hotSwapsTotal.WithLabelValues(swapFailed).Inc()
		return nil, err
	}
	if resp.Header.Get(sandbox.HeaderLoadError) != "" {
		w.setModule(nil)
		hotSwapsTotal.WithLabelValues(swapFailed).Inc()
		w.logger.Warn("module load failed", "module", mod.Name, "version", mod.Version, "status", resp.StatusCode)
		return resp, nil
	}

	w.setModule(&mod)
	hotSwapsTotal.WithLabelValues(swapOK).Inc()
	w.logger.Info("module loaded", "module", mod.Name, "version", mod.Version)
	return resp, nil
}

func (w *Worker) dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadSent
}

func (w *Worker) markLoadSent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loadSent = true
}

func (w *Worker) setModule(mod *model.Module) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.module = mod
	switch {
	case !w.running:
	case mod != nil:
		w.setState(model.WorkerServing)
	case w.state == model.WorkerServing:
		w.setState(model.WorkerReady)
	}
}

// forward sends req to the sandbox with the module prefix stripped, client
// control headers removed and a fresh request id.
func (w *Worker) forward(ctx context.Context, req *http.Request, mod model.Module, load bool) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     w.baseHost(),
		Path:     StripModulePrefix(req.URL.Path, mod.Name),
		RawQuery: req.URL.RawQuery,
	}

	for _, h := range sandbox.ControlHeaders {
		out.Header.Del(h)
	}
	out.Header.Set(sandbox.HeaderRequestID, uuid.NewString())
	if load {
		out.Header.Set(sandbox.HeaderLoadModule, mod.Version)
	}

	resp, err := w.transport.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", w.name, err)
	}
	return resp, nil
}

// StripModulePrefix removes the leading /<name> segment from path.
// "/name" and "/name/" both become "/".
func StripModulePrefix(path, name string) string {
	prefix := "/" + name
	if path == prefix {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, prefix+"/"); ok {
		return "/" + rest
	}
	return path
}
