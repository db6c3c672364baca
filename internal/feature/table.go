// Package feature exposes the GenICam features of a module as typed handles.
//
// The table is read from the transport layer the first time it is used.
// Writes are gated by the capture state of the owning camera: features that
// feed the payload size are locked while a stream is running.
package feature

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// Table is the capability table of one module (camera, stream or system).
type Table struct {
	api   native.Features
	owner native.Handle
	state func() capture.State
	log   *zerolog.Logger

	mu     sync.Mutex
	loaded bool
	order  []*Handle
	byName map[string]*Handle

	watchMu  sync.Mutex
	watchers []*watcher
}

type watcher struct {
	name string // empty watches every feature
	fn   func(*Handle)
}

// NewTable creates a lazily loaded table. state reports the capture state
// used for write gating; nil means always Closed.
func NewTable(api native.Features, owner native.Handle, state func() capture.State) *Table {
	if state == nil {
		state = func() capture.State { return capture.StateClosed }
	}
	return &Table{
		api:   api,
		owner: owner,
		state: state,
		log:   logger.WithComponent("feature"),
	}
}

func (t *Table) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return nil
	}

	infos, st := t.api.FeatureInfos(t.owner)
	if err := fault.FromStatus("FeatureInfos", st); err != nil {
		return err
	}
	t.byName = make(map[string]*Handle, len(infos))
	t.order = make([]*Handle, 0, len(infos))
	for _, info := range infos {
		h := &Handle{info: info, table: t}
		t.order = append(t.order, h)
		t.byName[info.Name] = h
	}
	t.loaded = true

	t.log.Debug().Int("features", len(infos)).Msg("Feature table loaded")
	return nil
}

// List returns every feature in transport-layer order.
func (t *Table) List() ([]*Handle, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Handle, len(t.order))
	copy(out, t.order)
	return out, nil
}

// Categories returns the distinct feature categories, sorted.
func (t *Table) Categories() ([]string, error) {
	handles, err := t.List()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, h := range handles {
		if c := h.info.Category; !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Get returns the named feature.
func (t *Table) Get(name string) (*Handle, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byName[name]
	if !ok {
		return nil, fault.New(fault.KindNotSupported, "feature", "no feature named %q", name)
	}
	return h, nil
}

// IsWritable reports whether h may be written in the given capture state.
func (t *Table) IsWritable(h *Handle, state capture.State) bool {
	return t.writeCheck(h, state) == nil
}

func (t *Table) writeCheck(h *Handle, state capture.State) error {
	if h.info.Flags&native.FlagWrite == 0 {
		return fault.New(fault.KindNotSupported, "write", "feature %s is read-only", h.info.Name)
	}
	if h.info.Locked && (state == capture.StateStreaming || state == capture.StateDraining) {
		return fault.New(fault.KindInvalidState, "write", "feature %s is locked while %s", h.info.Name, state)
	}
	_, writable, st := t.api.FeatureAccess(t.owner, h.info.Name)
	if err := fault.FromStatus("FeatureAccess", st); err != nil {
		return err
	}
	if !writable {
		return fault.New(fault.KindInvalidState, "write", "feature %s is not writable now", h.info.Name)
	}
	return nil
}

// Watch calls fn whenever the value of any feature of the table may have
// changed. fn runs on a transport goroutine and may read the handle. The
// returned function unregisters fn.
func (t *Table) Watch(fn func(*Handle)) (func(), error) {
	return t.watch("", fn)
}

func (t *Table) watch(name string, fn func(*Handle)) (func(), error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	if len(t.watchers) == 0 {
		st := t.api.FeatureInvalidationRegister(t.owner, t.invalidated)
		if err := fault.FromStatus("FeatureInvalidationRegister", st); err != nil {
			return nil, err
		}
	}
	w := &watcher{name: name, fn: fn}
	t.watchers = append(t.watchers, w)

	var once sync.Once
	return func() { once.Do(func() { t.unwatch(w) }) }, nil
}

func (t *Table) unwatch(w *watcher) {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	for i, x := range t.watchers {
		if x == w {
			t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
			break
		}
	}
	if len(t.watchers) > 0 {
		return
	}
	if st := t.api.FeatureInvalidationRegister(t.owner, nil); !st.OK() {
		t.log.Debug().Str("status", st.String()).Msg("Failed to unregister invalidation callback")
	}
}

// invalidated is the transport callback. Handlers run without any table
// lock held.
func (t *Table) invalidated(_ native.Handle, name string) {
	h, err := t.Get(name)
	if err != nil {
		return
	}
	t.watchMu.Lock()
	var fns []func(*Handle)
	for _, w := range t.watchers {
		if w.name == "" || w.name == name {
			fns = append(fns, w.fn)
		}
	}
	t.watchMu.Unlock()

	for _, fn := range fns {
		fn(h)
	}
}
