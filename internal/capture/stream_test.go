package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/native"
	"github.com/bryanchriswhite/camstreamer/internal/native/sim"
)

// recorder is a push handler that remembers what it saw.
type recorder struct {
	mu      sync.Mutex
	frames  []*Frame
	indexes []int
	ids     []uint64
	action  Action
}

func (r *recorder) handle(f *Frame) Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	r.indexes = append(r.indexes, f.BufferIndex)
	r.ids = append(r.ids, f.ID)
	return r.action
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newSimStream(t *testing.T, spec sim.CameraSpec) (*sim.Transport, *Stream) {
	t.Helper()
	tr, cam, sh := openSimStream(t, spec, native.AccessFull)
	return tr, NewStream(tr, cam, sh, spec.ID, native.AccessFull)
}

func waitEvent(t *testing.T, ch chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", typ)
		}
	}
}

func TestArm_InvalidBufferCount(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})

	for _, n := range []int{0, -1} {
		err := s.Arm(Options{BufferCount: n, Handler: (&recorder{}).handle})
		if !fault.IsKind(err, fault.KindInvalidArgument) {
			t.Errorf("Arm(%d): expected InvalidArgument, got %v", n, err)
		}
	}
	if tr.Announced("cam0") != 0 {
		t.Errorf("Rejected arm announced %d buffers", tr.Announced("cam0"))
	}
	if s.State() != StateClosed {
		t.Errorf("Expected Closed, got %s", s.State())
	}
}

func TestArm_PushRequiresHandler(t *testing.T) {
	_, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	if err := s.Arm(Options{BufferCount: 2}); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}
}

func TestArm_Twice(t *testing.T) {
	_, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	opts := Options{BufferCount: 2, Handler: (&recorder{}).handle}
	if err := s.Arm(opts); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := s.Arm(opts); !fault.IsKind(err, fault.KindInvalidState) {
		t.Errorf("Expected InvalidState on second arm, got %v", err)
	}
	if s.SessionID() == "" {
		t.Errorf("Armed stream must carry a session ID")
	}
	s.Stop(context.Background())
}

func TestArm_AnnounceFailureReleasesBuffers(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	tr.FailNext("FrameAnnounce", native.StatusResources, 1)

	err := s.Arm(Options{BufferCount: 3, Handler: (&recorder{}).handle})
	if !fault.IsKind(err, fault.KindResourceExhausted) {
		t.Fatalf("Expected ResourceExhausted, got %v", err)
	}
	if s.State() != StateClosed || tr.Announced("cam0") != 0 {
		t.Errorf("Failed arm left state %s with %d announced", s.State(), tr.Announced("cam0"))
	}
}

func TestStart_Twice(t *testing.T) {
	_, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	if err := s.Start(context.Background()); !fault.IsKind(err, fault.KindInvalidState) {
		t.Errorf("Start on Closed: expected InvalidState, got %v", err)
	}

	s.Arm(Options{BufferCount: 2, Handler: (&recorder{}).handle})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !fault.IsKind(err, fault.KindInvalidState) {
		t.Errorf("Expected InvalidState on second start, got %v", err)
	}
	if s.State() != StateStreaming {
		t.Errorf("Second start changed state to %s", s.State())
	}
	s.Stop(context.Background())
}

func TestStop_OnClosed(t *testing.T) {
	_, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop on Closed must succeed, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected Closed, got %s", s.State())
	}
}

func TestStop_FromArmed(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	s.Arm(Options{BufferCount: 3, Handler: (&recorder{}).handle})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if tr.Announced("cam0") != 0 {
		t.Errorf("Expected all buffers revoked, %d still announced", tr.Announced("cam0"))
	}
}

// Four 1024-byte buffers and ten completions must produce ten handler calls
// cycling through the buffers in queue order.
func TestStream_FourBufferScenario(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0", Width: 32, Height: 32})
	rec := &recorder{}
	if err := s.Arm(Options{BufferCount: 4, Handler: rec.handle}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if n := tr.FireN("cam0", 10); n != 10 {
		t.Fatalf("Expected 10 completions, got %d", n)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []int{0, 1, 2, 3, 0, 1, 2, 3, 0, 1}
	if len(rec.indexes) != len(want) {
		t.Fatalf("Expected %d handler calls, got %d", len(want), len(rec.indexes))
	}
	for i := range want {
		if rec.indexes[i] != want[i] {
			t.Errorf("Call %d used buffer %d, expected %d", i, rec.indexes[i], want[i])
		}
		if i > 0 && rec.ids[i] < rec.ids[i-1] {
			t.Errorf("Frame IDs decreased at call %d: %v", i, rec.ids)
		}
	}
	for i, f := range rec.frames {
		if f.Seq != uint64(i+1) {
			t.Errorf("Frame %d has seq %d", i, f.Seq)
		}
	}

	stats := s.Stats()
	if stats.Dropped != 0 || stats.Delivered != 10 || stats.Completions != 10 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.BufferSize != 1024 {
		t.Errorf("Expected 1024-byte buffers, got %d", stats.BufferSize)
	}
}

func TestStream_EveryBufferRecycled(t *testing.T) {
	const n, k = 3, 31
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0", Width: 8, Height: 8})
	rec := &recorder{}
	s.Arm(Options{BufferCount: n, Handler: rec.handle})
	s.Start(context.Background())

	for i := 0; i < k; i++ {
		status := native.FrameComplete
		if i%5 == 0 {
			status = native.FrameIncomplete
		}
		if !tr.Fire("cam0", status) {
			t.Fatalf("Completion %d found no queued buffer", i)
		}
	}
	s.Stop(context.Background())

	perIndex := make(map[int]int)
	for _, idx := range rec.indexes {
		perIndex[idx]++
	}
	for idx := 0; idx < n; idx++ {
		if perIndex[idx] < k/n {
			t.Errorf("Buffer %d delivered %d times, expected at least %d", idx, perIndex[idx], k/n)
		}
	}

	stats := s.Stats()
	if stats.Delivered+stats.Dropped != stats.Completions || stats.Completions != k {
		t.Errorf("Conservation violated: %+v", stats)
	}
	if stats.Incomplete != 7 {
		t.Errorf("Expected 7 incomplete frames, got %d", stats.Incomplete)
	}
}

func TestStream_IncompleteFramesFlagged(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	rec := &recorder{}
	s.Arm(Options{BufferCount: 2, Handler: rec.handle})
	s.Start(context.Background())

	tr.Fire("cam0", native.FrameIncomplete)
	tr.Fire("cam0", native.FrameInvalid)
	tr.Fire("cam0", native.FrameComplete)

	if rec.count() != 3 {
		t.Fatalf("Expected 3 frames, got %d", rec.count())
	}
	want := []FrameStatus{FrameIncomplete, FrameAborted, FrameComplete}
	for i, f := range rec.frames {
		if f.Status != want[i] {
			t.Errorf("Frame %d: expected %s, got %s", i, want[i], f.Status)
		}
	}
	if tr.Queued("cam0") != 2 {
		t.Errorf("Flagged frames must be requeued, %d queued", tr.Queued("cam0"))
	}
	s.Stop(context.Background())
}

func TestStream_HandlerBudgetDrop(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	release := make(chan struct{})
	var calls int
	handler := func(f *Frame) Action {
		calls++
		if calls == 1 {
			<-release
		}
		return Requeue
	}
	s.Arm(Options{BufferCount: 2, Handler: handler, HandlerBudget: 20 * time.Millisecond})
	s.Start(context.Background())

	// The first frame is accepted but overruns the budget; the second finds
	// the worker busy and is dropped.
	tr.Fire("cam0", native.FrameComplete)
	tr.Fire("cam0", native.FrameComplete)

	stats := s.Stats()
	if stats.Delivered != 1 || stats.Dropped != 1 || stats.Late != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if tr.Queued("cam0") != 1 {
		t.Errorf("Dropped frame must be requeued immediately, %d queued", tr.Queued("cam0"))
	}

	close(release)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStream_PullOverflow(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	if err := s.Arm(Options{BufferCount: 4, Delivery: DeliverPull, QueueDepth: 2}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	s.Start(context.Background())

	if n := tr.FireN("cam0", 4); n != 4 {
		t.Fatalf("Expected 4 completions, got %d", n)
	}
	if tr.Queued("cam0") != 2 {
		t.Errorf("Overflowed frames must be requeued, %d queued", tr.Queued("cam0"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		f, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if f.BufferIndex != i {
			t.Errorf("Expected buffer %d, got %d", i, f.BufferIndex)
		}
		if err := f.Release(); err != nil {
			t.Errorf("Release failed: %v", err)
		}
	}

	stats := s.Stats()
	if stats.Completions != 4 || stats.Delivered != 2 || stats.Dropped != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if tr.Queued("cam0") != 4 {
		t.Errorf("Released frames must be requeued, %d queued", tr.Queued("cam0"))
	}
	s.Stop(context.Background())
}

func TestStream_NextTimeout(t *testing.T) {
	_, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	s.Arm(Options{BufferCount: 1, Delivery: DeliverPull})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !fault.IsKind(err, fault.KindTimeout) {
		t.Errorf("Expected Timeout, got %v", err)
	}
}

func TestStream_NextRejectedInPushMode(t *testing.T) {
	_, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	if _, err := s.Next(context.Background()); !fault.IsKind(err, fault.KindInvalidState) {
		t.Errorf("Next on Closed: expected InvalidState, got %v", err)
	}
	s.Arm(Options{BufferCount: 1, Handler: (&recorder{}).handle})
	defer s.Stop(context.Background())
	if _, err := s.Next(context.Background()); !fault.IsKind(err, fault.KindInvalidState) {
		t.Errorf("Next in push mode: expected InvalidState, got %v", err)
	}
}

func TestStream_RetainRelease(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	rec := &recorder{action: Retain}
	s.Arm(Options{BufferCount: 3, Handler: rec.handle})
	s.Start(context.Background())

	tr.Fire("cam0", native.FrameComplete)
	if tr.Queued("cam0") != 2 {
		t.Fatalf("Retained buffer must stay out of the queue, %d queued", tr.Queued("cam0"))
	}
	f := rec.frames[0]
	if len(f.Bytes()) == 0 {
		t.Errorf("Retained frame has no data")
	}
	if err := f.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if tr.Queued("cam0") != 3 {
		t.Errorf("Released buffer must be requeued, %d queued", tr.Queued("cam0"))
	}
	if err := f.Release(); err != nil {
		t.Errorf("Second release must be a no-op, got %v", err)
	}
	if tr.Queued("cam0") != 3 {
		t.Errorf("Second release changed the queue to %d", tr.Queued("cam0"))
	}
	s.Stop(context.Background())
}

func TestStream_RetireAndRequeue(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	rec := &recorder{action: Retire}
	s.Arm(Options{BufferCount: 2, Handler: rec.handle})
	s.Start(context.Background())

	tr.Fire("cam0", native.FrameComplete)
	if tr.Queued("cam0") != 1 {
		t.Fatalf("Retired buffer must not be requeued, %d queued", tr.Queued("cam0"))
	}
	if snap := s.Stats().Pool; snap.Announced != 1 {
		t.Errorf("Expected one announced buffer, got %+v", snap)
	}

	if err := s.Requeue(rec.frames[0]); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if tr.Queued("cam0") != 2 {
		t.Errorf("Requeue must queue the buffer, %d queued", tr.Queued("cam0"))
	}
	s.Stop(context.Background())

	if err := s.Requeue(rec.frames[0]); !fault.IsKind(err, fault.KindInvalidState) {
		t.Errorf("Requeue after stop: expected InvalidState, got %v", err)
	}
}

func TestStream_HandlerPanicRequeues(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	s.Arm(Options{BufferCount: 1, Handler: func(f *Frame) Action { panic("boom") }})
	s.Start(context.Background())

	tr.Fire("cam0", native.FrameComplete)
	if !tr.Fire("cam0", native.FrameComplete) {
		t.Errorf("Buffer was not requeued after handler panic")
	}
	if s.State() != StateStreaming {
		t.Errorf("Handler panic changed state to %s", s.State())
	}
	s.Stop(context.Background())
}

func TestStop_WaitsForBlockedHandler(t *testing.T) {
	const block = 100 * time.Millisecond
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	entered := make(chan struct{})
	var once sync.Once
	handler := func(f *Frame) Action {
		once.Do(func() { close(entered) })
		time.Sleep(block)
		return Requeue
	}
	s.Arm(Options{BufferCount: 2, Handler: handler})
	s.Start(context.Background())

	go tr.Fire("cam0", native.FrameComplete)
	<-entered

	begin := time.Now()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(begin); elapsed < block/2 {
		t.Errorf("Stop returned after %s while the handler was blocked", elapsed)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected Closed, got %s", s.State())
	}
	if tr.Queued("cam0") != 0 || tr.Announced("cam0") != 0 {
		t.Errorf("Buffers left behind: %d queued, %d announced", tr.Queued("cam0"), tr.Announced("cam0"))
	}
}

func TestStop_DrainTimeout(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	rec := &recorder{action: Retain}
	s.Arm(Options{BufferCount: 2, Handler: rec.handle, DrainTimeout: 30 * time.Millisecond})
	s.Start(context.Background())
	tr.Fire("cam0", native.FrameComplete)

	err := s.Stop(context.Background())
	if !fault.IsKind(err, fault.KindTimeout) {
		t.Fatalf("Expected Timeout, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Stop must close the stream even on timeout, got %s", s.State())
	}
	if tr.Announced("cam0") != 0 {
		t.Errorf("Held buffer was not revoked")
	}
	if err := rec.frames[0].Release(); err != nil {
		t.Errorf("Late release must be harmless, got %v", err)
	}
}

func conserved(t *testing.T, stats Stats) {
	t.Helper()
	if stats.Delivered+stats.Dropped != stats.Completions {
		t.Errorf("delivered %d + dropped %d != completions %d", stats.Delivered, stats.Dropped, stats.Completions)
	}
}

func TestStop_BoundedByDrainTimeout(t *testing.T) {
	const drain = 50 * time.Millisecond
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var once sync.Once
	handler := func(f *Frame) Action {
		once.Do(func() { close(entered) })
		<-release
		return Requeue
	}
	s.Arm(Options{BufferCount: 2, Handler: handler, DrainTimeout: drain})
	s.Start(context.Background())

	fired := make(chan struct{})
	go func() {
		defer close(fired)
		tr.Fire("cam0", native.FrameComplete)
	}()
	<-entered

	begin := time.Now()
	err := s.Stop(context.Background())
	elapsed := time.Since(begin)
	if !fault.IsKind(err, fault.KindTimeout) {
		t.Errorf("Expected Timeout, got %v", err)
	}
	if elapsed > 10*drain {
		t.Errorf("Stop took %s with a %s drain timeout", elapsed, drain)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected Closed, got %s", s.State())
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("Device callback still blocked after Stop")
	}
	if tr.Announced("cam0") != 0 {
		t.Errorf("Buffers left announced after Stop")
	}
	conserved(t, s.Stats())
}

func TestStream_RequeueFailureRevokesBuffer(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	rec := &recorder{action: Requeue}
	s.Arm(Options{BufferCount: 2, Handler: rec.handle})
	s.Start(context.Background())

	tr.FailNext("FrameQueue", native.StatusOther, 1)
	if !tr.Fire("cam0", native.FrameComplete) {
		t.Fatalf("Fire failed")
	}

	stats := s.Stats()
	if stats.Delivered != 1 || stats.Dropped != 0 || stats.Revoked != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	conserved(t, stats)
	if tr.Announced("cam0") != 1 || tr.Queued("cam0") != 1 {
		t.Errorf("Expected the failed buffer revoked: %d announced, %d queued", tr.Announced("cam0"), tr.Queued("cam0"))
	}

	// The stream keeps running on the remaining buffer.
	if !tr.Fire("cam0", native.FrameComplete) {
		t.Fatalf("Fire on remaining buffer failed")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	conserved(t, s.Stats())
}

func TestStream_DroppedFrameRequeueFailureCountedOnce(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	release := make(chan struct{})
	var calls int
	handler := func(f *Frame) Action {
		calls++
		if calls == 1 {
			<-release
		}
		return Requeue
	}
	s.Arm(Options{BufferCount: 2, Handler: handler, HandlerBudget: 20 * time.Millisecond})
	s.Start(context.Background())

	tr.Fire("cam0", native.FrameComplete)
	tr.FailNext("FrameQueue", native.StatusOther, 1)
	tr.Fire("cam0", native.FrameComplete)

	stats := s.Stats()
	if stats.Completions != 2 || stats.Delivered != 1 || stats.Dropped != 1 || stats.Revoked != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	conserved(t, stats)

	close(release)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	conserved(t, s.Stats())
}

func TestStart_FailureRollsBack(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	s.Arm(Options{BufferCount: 3, Handler: (&recorder{}).handle})

	tr.FailNext("CaptureStart", native.StatusIO, 1)
	err := s.Start(context.Background())
	if !fault.IsKind(err, fault.KindDeviceError) {
		t.Fatalf("Expected DeviceError, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected Closed after failed start, got %s", s.State())
	}
	if tr.Announced("cam0") != 0 || tr.Queued("cam0") != 0 {
		t.Errorf("Failed start left buffers with the transport layer")
	}

	if err := s.Arm(Options{BufferCount: 3, Handler: (&recorder{}).handle}); err != nil {
		t.Errorf("Re-arm after failed start failed: %v", err)
	}
	s.Stop(context.Background())
}

func TestStart_AcquisitionCommands(t *testing.T) {
	t.Run("full access", func(t *testing.T) {
		tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
		s.Arm(Options{BufferCount: 1, Handler: (&recorder{}).handle})
		s.Start(context.Background())
		if !tr.Acquiring("cam0") {
			t.Errorf("Expected AcquisitionStart to run")
		}
		s.Stop(context.Background())
		if tr.Acquiring("cam0") {
			t.Errorf("Expected AcquisitionStop to run")
		}
	})

	t.Run("read access", func(t *testing.T) {
		tr, cam, sh := openSimStream(t, sim.CameraSpec{ID: "cam0"}, native.AccessRead)
		s := NewStream(tr, cam, sh, "cam0", native.AccessRead)
		s.Arm(Options{BufferCount: 1, Handler: (&recorder{}).handle})
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if tr.Acquiring("cam0") {
			t.Errorf("Read-only access must not run AcquisitionStart")
		}
		s.Stop(context.Background())
	})
}

func TestFault_DisconnectWhileArmed(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	events := s.Subscribe()
	defer s.Unsubscribe(events)

	s.Arm(Options{BufferCount: 3, Handler: (&recorder{}).handle})
	s.Fault(fault.New(fault.KindDisconnected, "device", "camera lost"))

	ev := waitEvent(t, events, EventDisconnected)
	if ev.CameraID != "cam0" || ev.Error == "" {
		t.Errorf("Unexpected event %+v", ev)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected Closed, got %s", s.State())
	}
	if tr.Announced("cam0") != 0 {
		t.Errorf("Buffers not freed after disconnect")
	}
	if !fault.IsKind(s.Err(), fault.KindDisconnected) {
		t.Errorf("Expected Err() to report Disconnected, got %v", s.Err())
	}
	if err := s.Arm(Options{BufferCount: 1, Handler: (&recorder{}).handle}); !fault.IsKind(err, fault.KindDisconnected) {
		t.Errorf("Arm after disconnect: expected Disconnected, got %v", err)
	}
}

func TestFault_DisconnectWhileStreaming(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0", FPS: 200})
	events := s.Subscribe()
	defer s.Unsubscribe(events)

	s.Arm(Options{BufferCount: 4, Handler: (&recorder{}).handle})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	tr.Disconnect("cam0")
	s.Fault(fault.New(fault.KindDisconnected, "device", "camera lost"))
	waitEvent(t, events, EventDisconnected)

	if s.State() != StateClosed {
		t.Errorf("Expected Closed, got %s", s.State())
	}
	if err := s.Start(context.Background()); !fault.IsKind(err, fault.KindDisconnected) {
		t.Errorf("Start after disconnect: expected Disconnected, got %v", err)
	}
	stats := s.Stats()
	if stats.Delivered+stats.Dropped != stats.Completions {
		t.Errorf("Conservation violated: %+v", stats)
	}
}

func TestStream_FreeRunningConservation(t *testing.T) {
	tr, s := newSimStream(t, sim.CameraSpec{ID: "cam0", Width: 64, Height: 64, FPS: 500})
	rec := &recorder{}
	s.Arm(Options{BufferCount: 4, Handler: rec.handle})
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stats := s.Stats()
	if stats.Completions < 20 {
		t.Errorf("Expected at least 20 completions, got %d", stats.Completions)
	}
	if stats.Delivered+stats.Dropped != stats.Completions {
		t.Errorf("Conservation violated: %+v", stats)
	}
	if tr.Queued("cam0") != 0 || tr.Announced("cam0") != 0 {
		t.Errorf("Buffers left behind after stop")
	}
	for i := 1; i < len(rec.frames); i++ {
		if rec.frames[i].Seq <= rec.frames[i-1].Seq {
			t.Errorf("Sequence not increasing at %d", i)
			break
		}
	}
}

func TestStream_Events(t *testing.T) {
	_, s := newSimStream(t, sim.CameraSpec{ID: "cam0"})
	events := s.Subscribe()
	defer s.Unsubscribe(events)

	s.Arm(Options{BufferCount: 1, Handler: (&recorder{}).handle})
	s.Start(context.Background())
	s.Stop(context.Background())

	for _, typ := range []EventType{EventArmed, EventStarted, EventStopped} {
		ev := waitEvent(t, events, typ)
		if ev.SessionID == "" {
			t.Errorf("%s event has no session ID", typ)
		}
	}
}
