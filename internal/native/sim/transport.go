// Package sim is an in-memory transport layer implementing native.API.
//
// Cameras are described by CameraSpec. A camera with a positive FPS runs a
// free-running producer goroutine while capturing; with FPS zero, frames are
// completed only when the caller invokes Fire. Either way the frame callback
// runs on a goroutine the engine does not control, which is the property the
// capture engine has to cope with on real hardware.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// CameraSpec describes one simulated camera.
type CameraSpec struct {
	ID          string
	Model       string
	Serial      string
	Width       int
	Height      int
	PixelFormat string
	// FPS > 0 enables the free-running producer while capturing.
	FPS float64
	// Alignment is reported as StreamBufferAlignment. Zero means 1.
	Alignment int
	// Access is the set of permitted access modes. Zero means full|read.
	Access native.AccessMode
}

type camera struct {
	spec     CameraSpec
	handle   native.Handle
	present  bool
	// acquiring tracks the AcquisitionStart/AcquisitionStop commands.
	acquiring bool
	features  *featureSet
	stream   *stream
}

type stream struct {
	handle    native.Handle
	cam       *camera
	announced map[*native.Frame]struct{}
	queue     []*native.Frame
	capturing bool
	cb        native.FrameCallback
	frameID   uint64
	features  *featureSet

	firing sync.WaitGroup
	stop   chan struct{}
	done   chan struct{}
}

// Transport is the simulated transport layer.
type Transport struct {
	mu      sync.Mutex
	started bool
	next    native.Handle
	cams    []*camera
	byID    map[string]*camera
	handles map[native.Handle]*camera
	streams map[native.Handle]*stream
	onEvent native.DeviceEventCallback
	faults  map[string][]native.Status
	system  *featureSet

	invalidations map[native.Handle]native.InvalidationCallback
}

var _ native.API = (*Transport)(nil)

// New creates a transport exposing the given cameras.
func New(specs ...CameraSpec) *Transport {
	t := &Transport{
		next:    0x100,
		byID:    make(map[string]*camera),
		handles: make(map[native.Handle]*camera),
		streams: make(map[native.Handle]*stream),
		faults:  make(map[string][]native.Status),
		system:  newFeatureSet(),

		invalidations: make(map[native.Handle]native.InvalidationCallback),
	}
	for _, spec := range specs {
		t.addCamera(spec)
	}
	return t
}

func (t *Transport) addCamera(spec CameraSpec) *camera {
	if spec.PixelFormat == "" {
		spec.PixelFormat = "Mono8"
	}
	if spec.Width <= 0 || spec.Height <= 0 {
		spec.Width, spec.Height = 640, 480
	}
	if spec.Alignment <= 0 {
		spec.Alignment = 1
	}
	if spec.Access == native.AccessNone {
		spec.Access = native.AccessFull | native.AccessRead
	}
	if spec.Model == "" {
		spec.Model = "SIM-" + spec.ID
	}
	cam := &camera{spec: spec, present: true}
	cam.features = cameraFeatures(t, cam)
	t.cams = append(t.cams, cam)
	t.byID[spec.ID] = cam
	return cam
}

// FailNext makes the next `times` calls of op return st instead of running.
// op is the method name, e.g. "CaptureStart" or "FrameRevoke".
func (t *Transport) FailNext(op string, st native.Status, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < times; i++ {
		t.faults[op] = append(t.faults[op], st)
	}
}

// injected pops a pending injected status for op. Caller holds t.mu.
func (t *Transport) injected(op string) (native.Status, bool) {
	q := t.faults[op]
	if len(q) == 0 {
		return native.StatusSuccess, false
	}
	t.faults[op] = q[1:]
	return q[0], true
}

func (t *Transport) newHandle() native.Handle {
	t.next++
	return t.next
}

func (t *Transport) Startup() native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.injected("Startup"); ok {
		return st
	}
	t.started = true
	logger.WithComponent("sim").Debug().Int("cameras", len(t.cams)).Msg("Transport started")
	return native.StatusSuccess
}

func (t *Transport) Shutdown() native.Status {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return native.StatusAPINotStarted
	}
	t.started = false
	var halts []halter
	for h, s := range t.streams {
		halts = append(halts, s.detach())
		delete(t.streams, h)
	}
	for h, cam := range t.handles {
		cam.handle = native.NoHandle
		cam.stream = nil
		delete(t.handles, h)
	}
	t.onEvent = nil
	clear(t.invalidations)
	t.mu.Unlock()

	for _, h := range halts {
		h.wait()
	}
	return native.StatusSuccess
}

func (t *Transport) Cameras() ([]native.CameraInfo, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil, native.StatusAPINotStarted
	}
	infos := make([]native.CameraInfo, 0, len(t.cams))
	for _, cam := range t.cams {
		if cam.present {
			infos = append(infos, cam.info())
		}
	}
	return infos, native.StatusSuccess
}

func (c *camera) info() native.CameraInfo {
	return native.CameraInfo{
		ID:              c.spec.ID,
		ExtendedID:      "SimTL::" + c.spec.ID,
		Name:            "Simulated " + c.spec.Model,
		Model:           c.spec.Model,
		Serial:          c.spec.Serial,
		InterfaceID:     "SimInterface_0",
		PermittedAccess: c.spec.Access,
		StreamCount:     1,
	}
}

func (t *Transport) CameraOpen(id string, mode native.AccessMode) (native.Handle, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return native.NoHandle, native.StatusAPINotStarted
	}
	if st, ok := t.injected("CameraOpen"); ok {
		return native.NoHandle, st
	}
	cam, ok := t.byID[id]
	if !ok || !cam.present {
		return native.NoHandle, native.StatusNotFound
	}
	if cam.handle != native.NoHandle {
		return native.NoHandle, native.StatusInUse
	}
	if mode&cam.spec.Access == 0 {
		return native.NoHandle, native.StatusInvalidAccess
	}
	cam.handle = t.newHandle()
	t.handles[cam.handle] = cam
	return cam.handle, native.StatusSuccess
}

func (t *Transport) CameraClose(h native.Handle) native.Status {
	t.mu.Lock()
	cam, ok := t.handles[h]
	if !ok {
		t.mu.Unlock()
		return native.StatusBadHandle
	}
	var halt halter
	if s := cam.stream; s != nil {
		halt = s.detach()
		delete(t.streams, s.handle)
		delete(t.invalidations, s.handle)
		cam.stream = nil
	}
	delete(t.handles, h)
	delete(t.invalidations, h)
	cam.handle = native.NoHandle
	t.mu.Unlock()

	halt.wait()
	return native.StatusSuccess
}

func (t *Transport) StreamOpen(h native.Handle, index int) (native.Handle, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cam, ok := t.handles[h]
	if !ok || !cam.present {
		return native.NoHandle, native.StatusBadHandle
	}
	if st, ok := t.injected("StreamOpen"); ok {
		return native.NoHandle, st
	}
	if index != 0 {
		return native.NoHandle, native.StatusBadParameter
	}
	if cam.stream != nil {
		return native.NoHandle, native.StatusAlready
	}
	s := &stream{
		handle:    t.newHandle(),
		cam:       cam,
		announced: make(map[*native.Frame]struct{}),
	}
	s.features = streamFeatures(cam)
	cam.stream = s
	t.streams[s.handle] = s
	return s.handle, native.StatusSuccess
}

func (t *Transport) StreamClose(h native.Handle) native.Status {
	t.mu.Lock()
	s, ok := t.streams[h]
	if !ok {
		t.mu.Unlock()
		return native.StatusBadHandle
	}
	halt := s.detach()
	delete(t.streams, h)
	delete(t.invalidations, h)
	s.cam.stream = nil
	t.mu.Unlock()

	halt.wait()
	return native.StatusSuccess
}

// lookupStream returns the open stream for h. Caller holds t.mu.
func (t *Transport) lookupStream(h native.Handle) (*stream, native.Status) {
	s, ok := t.streams[h]
	if !ok || !s.cam.present {
		return nil, native.StatusBadHandle
	}
	return s, native.StatusSuccess
}

func (t *Transport) PayloadSize(h native.Handle) (uint32, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, st := t.lookupStream(h)
	if !st.OK() {
		return 0, st
	}
	return uint32(s.cam.payloadSize()), native.StatusSuccess
}

func (t *Transport) FrameAnnounce(h native.Handle, f *native.Frame) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, st := t.lookupStream(h)
	if !st.OK() {
		return st
	}
	if st, ok := t.injected("FrameAnnounce"); ok {
		return st
	}
	if f == nil || len(f.Buffer) == 0 {
		return native.StatusBadParameter
	}
	if _, ok := s.announced[f]; ok {
		return native.StatusAlready
	}
	s.announced[f] = struct{}{}
	return native.StatusSuccess
}

func (t *Transport) FrameRevoke(h native.Handle, f *native.Frame) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, st := t.lookupStream(h)
	if !st.OK() {
		return st
	}
	if st, ok := t.injected("FrameRevoke"); ok {
		return st
	}
	if _, ok := s.announced[f]; !ok {
		return native.StatusBadParameter
	}
	s.dequeue(f)
	delete(s.announced, f)
	return native.StatusSuccess
}

func (s *stream) dequeue(f *native.Frame) {
	for i, q := range s.queue {
		if q == f {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (t *Transport) FrameQueue(h native.Handle, f *native.Frame) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, st := t.lookupStream(h)
	if !st.OK() {
		return st
	}
	if st, ok := t.injected("FrameQueue"); ok {
		return st
	}
	if _, ok := s.announced[f]; !ok {
		return native.StatusBadParameter
	}
	for _, q := range s.queue {
		if q == f {
			return native.StatusAlready
		}
	}
	s.queue = append(s.queue, f)
	return native.StatusSuccess
}

func (t *Transport) QueueFlush(h native.Handle) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, st := t.lookupStream(h)
	if !st.OK() {
		return st
	}
	s.queue = nil
	return native.StatusSuccess
}

func (t *Transport) CaptureStart(h native.Handle) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, st := t.lookupStream(h)
	if !st.OK() {
		return st
	}
	if st, ok := t.injected("CaptureStart"); ok {
		return st
	}
	if s.capturing {
		return native.StatusInvalidCall
	}
	s.capturing = true

	if fps := s.cam.frameRate(); s.cam.spec.FPS > 0 && fps > 0 {
		interval := time.Duration(float64(time.Second) / fps)
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go t.produce(s.cam.spec.ID, interval, s.stop, s.done)
	}
	return native.StatusSuccess
}

func (t *Transport) CaptureEnd(h native.Handle) native.Status {
	t.mu.Lock()
	s, ok := t.streams[h]
	if !ok {
		t.mu.Unlock()
		return native.StatusBadHandle
	}
	present := s.cam.present
	halt := s.detach()
	st, injected := t.injected("CaptureEnd")
	t.mu.Unlock()

	halt.wait()
	if injected {
		return st
	}
	if !present {
		return native.StatusBadHandle
	}
	return native.StatusSuccess
}

// halter stops a producer after the stream lock has been released.
type halter struct {
	s          *stream
	stop, done chan struct{}
}

// detach ends capture and hands back the producer channels. Caller holds t.mu.
func (s *stream) detach() halter {
	s.capturing = false
	h := halter{s: s, stop: s.stop, done: s.done}
	s.stop, s.done = nil, nil
	return h
}

// wait stops the producer and blocks until no callback for the stream is
// running. Caller must not hold t.mu.
func (h halter) wait() {
	if h.s == nil {
		return
	}
	if h.stop != nil {
		close(h.stop)
		<-h.done
	}
	h.s.firing.Wait()
}

func (t *Transport) RegisterFrameCallback(h native.Handle, cb native.FrameCallback) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, st := t.lookupStream(h)
	if !st.OK() {
		return st
	}
	s.cb = cb
	return native.StatusSuccess
}

func (t *Transport) RegisterDeviceEvents(cb native.DeviceEventCallback) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return native.StatusAPINotStarted
	}
	t.onEvent = cb
	return native.StatusSuccess
}

func (t *Transport) produce(id string, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Fire(id, native.FrameComplete)
		}
	}
}

// Fire completes the oldest queued frame of the camera's stream with the
// given receive status and runs the frame callback on the calling goroutine.
// It returns false when the stream is not capturing or nothing is queued.
func (t *Transport) Fire(cameraID string, status native.FrameStatus) bool {
	t.mu.Lock()
	cam, ok := t.byID[cameraID]
	if !ok || cam.stream == nil || !cam.present {
		t.mu.Unlock()
		return false
	}
	s := cam.stream
	if !s.capturing || len(s.queue) == 0 {
		t.mu.Unlock()
		return false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	s.frameID++
	cam.fill(f, s.frameID, status)
	cb := s.cb
	camHandle, streamHandle := cam.handle, s.handle
	s.firing.Add(1)
	t.mu.Unlock()

	defer s.firing.Done()
	if cb != nil {
		cb(camHandle, streamHandle, f)
	}
	return true
}

// FireN calls Fire n times and returns how many frames completed.
func (t *Transport) FireN(cameraID string, n int) int {
	fired := 0
	for i := 0; i < n; i++ {
		if t.Fire(cameraID, native.FrameComplete) {
			fired++
		}
	}
	return fired
}

// Disconnect removes the camera from the bus. Capture stops, every handle of
// the camera becomes invalid, and a Missing event is delivered
// asynchronously.
func (t *Transport) Disconnect(cameraID string) error {
	t.mu.Lock()
	cam, ok := t.byID[cameraID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown camera %q", cameraID)
	}
	cam.present = false
	var halt halter
	if s := cam.stream; s != nil {
		halt = s.detach()
		s.queue = nil
	}
	cb := t.onEvent
	t.mu.Unlock()

	halt.wait()
	logger.WithCamera("sim", cameraID).Info().Msg("Camera disconnected")
	if cb != nil {
		go cb(cameraID, native.EventMissing)
	}
	return nil
}

// Reconnect brings a disconnected camera back. Previously opened handles stay
// invalid; the camera must be reopened.
func (t *Transport) Reconnect(cameraID string) error {
	t.mu.Lock()
	cam, ok := t.byID[cameraID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown camera %q", cameraID)
	}
	cam.present = true
	cb := t.onEvent
	t.mu.Unlock()

	if cb != nil {
		go cb(cameraID, native.EventDetected)
	}
	return nil
}

// Fault reports an unrecoverable transport error for the camera.
func (t *Transport) Fault(cameraID string) {
	t.mu.Lock()
	cb := t.onEvent
	t.mu.Unlock()
	if cb != nil {
		go cb(cameraID, native.EventFault)
	}
}

// Queued returns the number of frames queued on the camera's stream.
func (t *Transport) Queued(cameraID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cam, ok := t.byID[cameraID]; ok && cam.stream != nil {
		return len(cam.stream.queue)
	}
	return 0
}

// Announced returns the number of frames announced on the camera's stream.
func (t *Transport) Announced(cameraID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cam, ok := t.byID[cameraID]; ok && cam.stream != nil {
		return len(cam.stream.announced)
	}
	return 0
}

// Capturing reports whether the camera's stream is capturing.
func (t *Transport) Capturing(cameraID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cam, ok := t.byID[cameraID]; ok && cam.stream != nil {
		return cam.stream.capturing
	}
	return false
}

// IsOpen reports whether the camera currently has an open handle.
func (t *Transport) IsOpen(cameraID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cam, ok := t.byID[cameraID]
	return ok && cam.handle != native.NoHandle
}

// Started reports whether Startup has been called without Shutdown.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}
