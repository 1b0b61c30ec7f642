// Package surfacetest provides in-memory session surfaces for tests.
package surfacetest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/accountdeck/core"
	"pkt.systems/accountdeck/schema"
)

// AuthMarker is the partition file whose presence makes a fake surface authenticated.
const AuthMarker = "Cookies"

// ErrClosed is returned by a closed fake surface.
var ErrClosed = errors.New("surface closed")

// Factory builds fake surfaces and tracks how many are visible at once.
type Factory struct {
	mu         sync.Mutex
	created    map[schema.AccountID][]*Surface
	failNext   map[schema.AccountID]error
	gates      map[schema.AccountID]chan struct{}
	started    chan schema.AccountID
	creates    int
	visible    int
	maxVisible int
}

// NewFactory constructs an empty factory.
func NewFactory() *Factory {
	return &Factory{
		created:  make(map[schema.AccountID][]*Surface),
		failNext: make(map[schema.AccountID]error),
		gates:    make(map[schema.AccountID]chan struct{}),
		started:  make(chan schema.AccountID, 64),
	}
}

// Create implements core.SurfaceFactory.
func (f *Factory) Create(ctx context.Context, req core.CreateRequest) (core.Surface, error) {
	f.mu.Lock()
	gate := f.gates[req.AccountID]
	f.mu.Unlock()
	select {
	case f.started <- req.AccountID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failNext[req.AccountID]; ok {
		delete(f.failNext, req.AccountID)
		return nil, err
	}
	s := &Surface{req: req, factory: f, bounds: req.Bounds, settings: schema.SurfaceSettings{ZoomFactor: 1}}
	f.created[req.AccountID] = append(f.created[req.AccountID], s)
	f.creates++
	f.visibleDeltaLocked(1)
	return s, nil
}

// FailNext makes the next creation for id fail with err.
func (f *Factory) FailNext(id schema.AccountID, err error) {
	f.mu.Lock()
	f.failNext[id] = err
	f.mu.Unlock()
}

// Hold blocks creation for id until the returned release func is called.
func (f *Factory) Hold(id schema.AccountID) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Started delivers account ids as creations begin.
func (f *Factory) Started() <-chan schema.AccountID { return f.started }

// Latest returns the most recent surface created for id.
func (f *Factory) Latest(id schema.AccountID) *Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.created[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// CreatedFor returns how many surfaces were created for id.
func (f *Factory) CreatedFor(id schema.AccountID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[id])
}

// Creates returns the total number of successful creations.
func (f *Factory) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Visible returns the number of surfaces currently visible.
func (f *Factory) Visible() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

// MaxVisible returns the high-water mark of visible surfaces.
func (f *Factory) MaxVisible() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxVisible
}

func (f *Factory) visibleDeltaLocked(delta int) {
	f.visible += delta
	if f.visible > f.maxVisible {
		f.maxVisible = f.visible
	}
}

func (f *Factory) visibleDelta(delta int) {
	f.mu.Lock()
	f.visibleDeltaLocked(delta)
	f.mu.Unlock()
}

// Surface is a fake session surface.
type Surface struct {
	req     core.CreateRequest
	factory *Factory

	mu          sync.Mutex
	suspended   bool
	closed      bool
	bounds      schema.Bounds
	settings    schema.SurfaceSettings
	reloads     int
	hardReloads int
	probe       *schema.ProbeResult
	probeErr    error
	probeHook   func(ctx context.Context)
	reloadErr   error
	suspendErr  error
	resumeErr   error
	closeErr    error
	memory      schema.SurfaceMemory
}

// Request returns the creation request.
func (s *Surface) Request() core.CreateRequest { return s.req }

// SetBounds implements core.Surface.
func (s *Surface) SetBounds(_ context.Context, bounds schema.Bounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.bounds = bounds
	return nil
}

// Suspend implements core.Surface.
func (s *Surface) Suspend(context.Context) error {
	s.mu.Lock()
	if s.suspendErr != nil {
		err := s.suspendErr
		s.mu.Unlock()
		return err
	}
	already := s.suspended
	s.suspended = true
	s.mu.Unlock()
	if !already {
		s.factory.visibleDelta(-1)
	}
	return nil
}

// Resume implements core.Surface.
func (s *Surface) Resume(context.Context) error {
	s.mu.Lock()
	if s.resumeErr != nil {
		err := s.resumeErr
		s.mu.Unlock()
		return err
	}
	was := s.suspended
	s.suspended = false
	s.mu.Unlock()
	if was {
		s.factory.visibleDelta(1)
	}
	return nil
}

// Reload implements core.Surface.
func (s *Surface) Reload(_ context.Context, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.reloadErr != nil {
		return s.reloadErr
	}
	if hard {
		s.hardReloads++
	} else {
		s.reloads++
	}
	return nil
}

// Probe implements core.Surface. Unless overridden, the surface is online and
// authenticated when AuthMarker exists in its partition.
func (s *Surface) Probe(ctx context.Context) (schema.ProbeResult, error) {
	s.mu.Lock()
	hook := s.probeHook
	s.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.ProbeResult{}, ErrClosed
	}
	if s.probeErr != nil {
		return schema.ProbeResult{}, s.probeErr
	}
	if s.probe != nil {
		return *s.probe, nil
	}
	_, err := os.Stat(filepath.Join(s.req.Partition.Path, AuthMarker))
	return schema.ProbeResult{Online: true, Authenticated: err == nil, URL: s.req.Config.StartURL}, nil
}

// Settings implements core.Surface.
func (s *Surface) Settings(context.Context) (schema.SurfaceSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.SurfaceSettings{}, ErrClosed
	}
	return s.settings, nil
}

// ApplySettings implements core.Surface.
func (s *Surface) ApplySettings(_ context.Context, settings schema.SurfaceSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.settings = settings
	return nil
}

// Memory implements core.Surface.
func (s *Surface) Memory(context.Context) (schema.SurfaceMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.SurfaceMemory{}, ErrClosed
	}
	return s.memory, nil
}

// Close implements core.Surface. Close always marks the surface closed.
func (s *Surface) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	visible := !s.suspended
	err := s.closeErr
	s.mu.Unlock()
	if visible {
		s.factory.visibleDelta(-1)
	}
	return err
}

// SetProbe fixes the probe result; a nil result restores the partition-based default.
func (s *Surface) SetProbe(result *schema.ProbeResult, err error) {
	s.mu.Lock()
	s.probe = result
	s.probeErr = err
	s.mu.Unlock()
}

// SetProbeHook runs fn at the start of every probe.
func (s *Surface) SetProbeHook(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.probeHook = fn
	s.mu.Unlock()
}

// SetErrors configures failures for suspend, resume, reload and close.
func (s *Surface) SetErrors(suspend, resume, reload, closeErr error) {
	s.mu.Lock()
	s.suspendErr = suspend
	s.resumeErr = resume
	s.reloadErr = reload
	s.closeErr = closeErr
	s.mu.Unlock()
}

// SetMemory sets the reported renderer memory.
func (s *Surface) SetMemory(mem schema.SurfaceMemory) {
	s.mu.Lock()
	s.memory = mem
	s.mu.Unlock()
}

// SetSettings replaces the surface settings.
func (s *Surface) SetSettings(settings schema.SurfaceSettings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Surface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Suspended reports whether the surface is suspended.
func (s *Surface) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Bounds returns the last applied bounds.
func (s *Surface) Bounds() schema.Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// Reloads returns the soft and hard reload counts.
func (s *Surface) Reloads() (soft, hard int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads, s.hardReloads
}

// CurrentSettings returns the surface settings without the closed check.
func (s *Surface) CurrentSettings() schema.SurfaceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}
