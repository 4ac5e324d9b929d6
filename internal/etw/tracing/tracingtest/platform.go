// Package tracingtest provides an in-memory tracing.API. Sessions are shared
// by name across every API handle obtained from the same Platform, which lets
// tests reproduce name collisions between independent controllers.
package tracingtest

import (
	"fmt"
	"sync"
	"time"

	"etw_listener/internal/etw/record/recordtest"
	"etw_listener/internal/etw/tracing"
)

// Call is one recorded API invocation.
type Call struct {
	Op      string
	Session string
	Code    tracing.ControlCode
	Err     error
}

// Enable is one recorded EnableTrace call.
type Enable struct {
	Session string
	Request tracing.EnableRequest
	PIDs    []uint32
}

type session struct {
	name   string
	handle tracing.SessionHandle
	cfg    tracing.SessionConfig
	traces map[tracing.ProcessingHandle]*trace
}

type trace struct {
	handle  tracing.ProcessingHandle
	session *session
	cb      *tracing.Callbacks
	records chan *recordtest.Record
	flush   chan struct{}
	stopped chan struct{}
	stop    sync.Once
	running bool
	closed  bool
}

func (t *trace) halt() {
	t.stop.Do(func() { close(t.stopped) })
}

// DefaultFlushInterval is how often an idle trace calls the buffer callback,
// standing in for the session flush timer.
const DefaultFlushInterval = 5 * time.Millisecond

// Platform simulates the tracing subsystem.
type Platform struct {
	// FlushInterval overrides DefaultFlushInterval. Set it before the first
	// ProcessTrace call.
	FlushInterval time.Duration

	mu sync.Mutex

	sessions   map[string]*session
	traces     map[tracing.ProcessingHandle]*trace
	nextHandle uint64

	calls   []Call
	enables []Enable
	faults  map[string][]tracing.Errno

	liveProperties int
	liveFilters    int
}

// NewPlatform returns an empty simulated system.
func NewPlatform() *Platform {
	return &Platform{
		sessions: make(map[string]*session),
		traces:   make(map[tracing.ProcessingHandle]*trace),
		faults:   make(map[string][]tracing.Errno),
	}
}

var _ tracing.API = (*Platform)(nil)

// Fail queues code as the result of the next calls to op. Ops are the API
// method names; ControlTrace faults may be scoped as "ControlTrace:stop".
func (p *Platform) Fail(op string, codes ...tracing.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], codes...)
}

func (p *Platform) fault(op string) error {
	q := p.faults[op]
	if len(q) == 0 {
		return nil
	}
	p.faults[op] = q[1:]
	return q[0]
}

func (p *Platform) record(op, name string, code tracing.ControlCode, err error) {
	p.calls = append(p.calls, Call{Op: op, Session: name, Code: code, Err: err})
}

// Calls returns a copy of every recorded call.
func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount returns the number of recorded calls.
func (p *Platform) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Ops returns the op names of recorded calls, with the control code
// appended for ControlTrace.
func (p *Platform) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := make([]string, len(p.calls))
	for i, c := range p.calls {
		ops[i] = c.Op
		if c.Op == "ControlTrace" {
			ops[i] += ":" + c.Code.String()
		}
	}
	return ops
}

// Enables returns the recorded EnableTrace calls in order.
func (p *Platform) Enables() []Enable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Enable(nil), p.enables...)
}

// Active reports whether a session with name is running.
func (p *Platform) Active(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[name]
	return ok
}

// Leaks reports resources that were allocated and not returned.
func (p *Platform) Leaks() (properties, filters, traces int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveProperties, p.liveFilters, len(p.traces)
}

// Inject delivers rec to every open trace of the named session.
func (p *Platform) Inject(name string, rec *recordtest.Record) error {
	p.mu.Lock()
	s, ok := p.sessions[name]
	var targets []*trace
	if ok {
		for _, t := range s.traces {
			targets = append(targets, t)
		}
	}
	p.mu.Unlock()

	if !ok || len(targets) == 0 {
		return fmt.Errorf("tracingtest: no open trace for session %q", name)
	}
	for _, t := range targets {
		select {
		case t.records <- rec:
		case <-t.stopped:
			return fmt.Errorf("tracingtest: session %q stopped", name)
		}
	}
	return nil
}

// StopExternally stops a session the way another tool would.
func (p *Platform) StopExternally(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[name]; ok {
		p.stopLocked(s)
	}
}

func (p *Platform) stopLocked(s *session) {
	delete(p.sessions, s.name)
	for _, t := range s.traces {
		t.halt()
	}
}

func (p *Platform) AllocProperties(name string, cfg tracing.SessionConfig) (*tracing.Properties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault("AllocProperties"); err != nil {
		return nil, err
	}
	p.liveProperties++
	p.nextHandle++
	return &tracing.Properties{Name: name, Config: cfg, Native: uintptr(p.nextHandle)}, nil
}

func (p *Platform) FreeProperties(props *tracing.Properties) error {
	if props == nil || props.Native == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	props.Native = 0
	p.liveProperties--
	return nil
}

func (p *Platform) StartTrace(props *tracing.Properties) (tracing.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.fault("StartTrace")
	if err == nil {
		if props == nil || props.Native == 0 {
			err = tracing.ErrnoInvalidParameter
		} else if _, exists := p.sessions[props.Name]; exists {
			err = tracing.ErrnoAlreadyExists
		}
	}
	name := ""
	if props != nil {
		name = props.Name
	}
	p.record("StartTrace", name, 0, err)
	if err != nil {
		return 0, err
	}

	p.nextHandle++
	s := &session{
		name:   props.Name,
		handle: tracing.SessionHandle(p.nextHandle),
		cfg:    props.Config,
		traces: make(map[tracing.ProcessingHandle]*trace),
	}
	p.sessions[s.name] = s
	return s.handle, nil
}

func (p *Platform) sessionFor(h tracing.SessionHandle, name string) *session {
	if h == 0 {
		return p.sessions[name]
	}
	for _, s := range p.sessions {
		if s.handle == h {
			return s
		}
	}
	return nil
}

func (p *Platform) ControlTrace(h tracing.SessionHandle, props *tracing.Properties, code tracing.ControlCode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := props.Name
	err := p.fault("ControlTrace")
	if err == nil {
		err = p.fault("ControlTrace:" + code.String())
	}
	s := p.sessionFor(h, name)
	if err == nil && s == nil {
		err = tracing.ErrnoWMIInstanceNotFound
	}
	p.record("ControlTrace", name, code, err)
	if err != nil {
		return err
	}

	switch code {
	case tracing.ControlStop:
		p.stopLocked(s)
	case tracing.ControlFlush:
		for _, t := range s.traces {
			select {
			case t.flush <- struct{}{}:
			default:
			}
		}
	}
	props.NumberOfBuffers = s.cfg.MinimumBuffers
	props.FreeBuffers = s.cfg.MinimumBuffers / 2
	props.BuffersWritten = uint32(len(p.calls))
	return nil
}

func (p *Platform) EnableTrace(h tracing.SessionHandle, req *tracing.EnableRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.sessionFor(h, "")
	name := ""
	if s != nil {
		name = s.name
	}
	err := p.fault("EnableTrace")
	if err == nil && s == nil {
		err = tracing.ErrnoInvalidParameter
	}
	if err == nil && req.Filter != nil && req.Filter.Native == 0 {
		err = tracing.ErrnoInvalidParameter
	}
	p.record("EnableTrace", name, 0, err)
	if err != nil {
		return err
	}

	e := Enable{Session: name, Request: *req}
	if req.Filter != nil {
		e.PIDs = append([]uint32(nil), req.Filter.PIDs...)
	}
	e.Request.Filter = nil
	p.enables = append(p.enables, e)
	return nil
}

func (p *Platform) AllocPIDFilter(pids []uint32) (*tracing.FilterDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault("AllocPIDFilter"); err != nil {
		return nil, err
	}
	if len(pids) == 0 || len(pids) > tracing.MaxPIDFilter {
		return nil, tracing.ErrnoInvalidParameter
	}
	p.liveFilters++
	p.nextHandle++
	return &tracing.FilterDescriptor{
		Type:   tracing.FilterTypePID,
		PIDs:   append([]uint32(nil), pids...),
		Native: uintptr(p.nextHandle),
	}, nil
}

func (p *Platform) FreeFilter(f *tracing.FilterDescriptor) error {
	if f == nil || f.Native == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f.Native = 0
	p.liveFilters--
	return nil
}

func (p *Platform) OpenTrace(name string, mode tracing.ProcessTraceMode, cb *tracing.Callbacks) (tracing.ProcessingHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.fault("OpenTrace")
	s, ok := p.sessions[name]
	if err == nil && !ok {
		err = tracing.ErrnoWMIInstanceNotFound
	}
	p.record("OpenTrace", name, 0, err)
	if err != nil {
		return tracing.InvalidProcessingHandle, err
	}

	p.nextHandle++
	t := &trace{
		handle:  tracing.ProcessingHandle(p.nextHandle),
		session: s,
		cb:      cb,
		records: make(chan *recordtest.Record),
		flush:   make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	s.traces[t.handle] = t
	p.traces[t.handle] = t
	return t.handle, nil
}

// ProcessTrace delivers injected records, calling the buffer callback after
// each one, on every flush and on every flush interval, until it returns
// false or the session stops.
func (p *Platform) ProcessTrace(h tracing.ProcessingHandle) error {
	p.mu.Lock()
	t, ok := p.traces[h]
	err := p.fault("ProcessTrace")
	if err == nil && !ok {
		err = tracing.ErrnoInvalidParameter
	}
	if err == nil {
		t.running = true
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}

	defer func() {
		p.mu.Lock()
		t.running = false
		p.mu.Unlock()
	}()

	interval := p.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-t.records:
			t.cb.Event(rec.Ptr())
			if !t.cb.Buffer() {
				return nil
			}
		case <-t.flush:
			if !t.cb.Buffer() {
				return nil
			}
		case <-ticker.C:
			if !t.cb.Buffer() {
				return nil
			}
		case <-t.stopped:
			return nil
		}
	}
}

func (p *Platform) CloseTrace(h tracing.ProcessingHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.traces[h]
	err := p.fault("CloseTrace")
	if err == nil && !ok {
		err = tracing.ErrnoInvalidParameter
	}
	name := ""
	if ok {
		name = t.session.name
		delete(p.traces, h)
		delete(t.session.traces, h)
		t.closed = true
		t.halt()
		if err == nil && t.running {
			err = tracing.ErrnoCtxClosePending
		}
	}
	p.record("CloseTrace", name, 0, err)
	return err
}
