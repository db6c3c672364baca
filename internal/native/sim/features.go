package sim

import (
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/native"
)

type simFeature struct {
	info native.FeatureInfo

	i, imin, imax int64
	f, fmin, fmax float64
	s             string
	entries       []string
	b             bool

	// get overrides i for computed integer features.
	get func() int64
	// run executes a command feature. Caller holds t.mu.
	run func()
}

type featureSet struct {
	order  []string
	byName map[string]*simFeature
}

func newFeatureSet() *featureSet {
	return &featureSet{byName: make(map[string]*simFeature)}
}

func (fs *featureSet) add(f *simFeature) *simFeature {
	if f.info.DisplayName == "" {
		f.info.DisplayName = f.info.Name
	}
	fs.order = append(fs.order, f.info.Name)
	fs.byName[f.info.Name] = f
	return f
}

func (fs *featureSet) infos() []native.FeatureInfo {
	infos := make([]native.FeatureInfo, 0, len(fs.order))
	for _, name := range fs.order {
		infos = append(infos, fs.byName[name].info)
	}
	return infos
}

const (
	rw = native.FlagRead | native.FlagWrite
	ro = native.FlagRead
)

var pixelFormats = []string{"Mono8", "Mono16", "BayerRG8", "RGB8", "BGR8"}

// bytesPerPixel returns the storage size of one pixel for the formats the
// simulator knows.
func bytesPerPixel(format string) int {
	switch format {
	case "Mono16":
		return 2
	case "RGB8", "BGR8":
		return 3
	default:
		return 1
	}
}

func cameraFeatures(t *Transport, cam *camera) *featureSet {
	fs := newFeatureSet()
	fps := cam.spec.FPS
	if fps <= 0 {
		fps = 30
	}

	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "Width", Category: "/ImageFormatControl", Unit: "px", Type: native.FeatureInt, Flags: rw, Locked: true},
		i:    int64(cam.spec.Width), imin: 1, imax: 8192,
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "Height", Category: "/ImageFormatControl", Unit: "px", Type: native.FeatureInt, Flags: rw, Locked: true},
		i:    int64(cam.spec.Height), imin: 1, imax: 8192,
	})
	fs.add(&simFeature{
		info:    native.FeatureInfo{Name: "PixelFormat", Category: "/ImageFormatControl", Type: native.FeatureEnum, Flags: rw, Locked: true},
		s:       cam.spec.PixelFormat,
		entries: pixelFormats,
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "ReverseX", Category: "/ImageFormatControl", Type: native.FeatureBool, Flags: rw},
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "PayloadSize", Category: "/TransportLayerControl", Unit: "B", Type: native.FeatureInt, Flags: ro | native.FlagVolatile},
		get:  func() int64 { return int64(cam.payloadSize()) },
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "ExposureTime", Category: "/AcquisitionControl", Unit: "us", Type: native.FeatureFloat, Flags: rw},
		f:    5000, fmin: 10, fmax: 1e6,
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "Gain", Category: "/AnalogControl", Unit: "dB", Type: native.FeatureFloat, Flags: rw},
		f:    0, fmin: 0, fmax: 24,
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "AcquisitionFrameRate", Category: "/AcquisitionControl", Unit: "Hz", Type: native.FeatureFloat, Flags: rw},
		f:    fps, fmin: 1, fmax: 1000,
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "AcquisitionStart", Category: "/AcquisitionControl", Type: native.FeatureCommand, Flags: native.FlagWrite},
		run:  func() { cam.acquiring = true },
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "AcquisitionStop", Category: "/AcquisitionControl", Type: native.FeatureCommand, Flags: native.FlagWrite},
		run:  func() { cam.acquiring = false },
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "DeviceVendorName", Category: "/DeviceControl", Type: native.FeatureString, Flags: ro},
		s:    "camstreamer",
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "DeviceModelName", Category: "/DeviceControl", Type: native.FeatureString, Flags: ro},
		s:    cam.spec.Model,
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "DeviceSerialNumber", Category: "/DeviceControl", Type: native.FeatureString, Flags: ro},
		s:    cam.spec.Serial,
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "DeviceUserID", Category: "/DeviceControl", Type: native.FeatureString, Flags: rw},
	})
	return fs
}

func streamFeatures(cam *camera) *featureSet {
	fs := newFeatureSet()
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "StreamBufferAlignment", Category: "/StreamInformation", Unit: "B", Type: native.FeatureInt, Flags: ro},
		i:    int64(cam.spec.Alignment),
	})
	fs.add(&simFeature{
		info: native.FeatureInfo{Name: "StreamID", Category: "/StreamInformation", Type: native.FeatureString, Flags: ro},
		s:    "Stream_" + cam.spec.ID + "_0",
	})
	return fs
}

func (c *camera) intValue(name string) int64 {
	if f, ok := c.features.byName[name]; ok {
		return f.i
	}
	return 0
}

func (c *camera) payloadSize() int {
	pf := c.features.byName["PixelFormat"].s
	return int(c.intValue("Width")*c.intValue("Height")) * bytesPerPixel(pf)
}

func (c *camera) frameRate() float64 {
	return c.features.byName["AcquisitionFrameRate"].f
}

// fill writes a completed frame. Caller holds t.mu.
func (c *camera) fill(f *native.Frame, id uint64, status native.FrameStatus) {
	w := int(c.intValue("Width"))
	pf := c.features.byName["PixelFormat"].s
	size := c.payloadSize()

	f.FrameID = id
	f.Timestamp = uint64(time.Now().UnixNano())
	f.Width = uint32(w)
	f.Height = uint32(c.intValue("Height"))
	f.PixelFormat = pf
	f.ReceiveStatus = status
	if len(f.Buffer) < size {
		f.ReceiveStatus = native.FrameTooSmall
		size = len(f.Buffer)
	}
	f.ImageSize = uint32(size)
	if status != native.FrameInvalid {
		pattern(f.Buffer[:size], w*bytesPerPixel(pf), id)
	}
}

// pattern draws a diagonal gradient that shifts by one step per frame.
func pattern(buf []byte, stride int, id uint64) {
	if stride <= 0 {
		return
	}
	line := make([]byte, stride+256)
	for i := range line {
		line[i] = byte(i)
	}
	for off, y := 0, 0; off < len(buf); off, y = off+stride, y+1 {
		start := (y + int(id%256)) % 256
		copy(buf[off:min(off+stride, len(buf))], line[start:])
	}
}

// featuresFor resolves the feature set behind h. Caller holds t.mu.
func (t *Transport) featuresFor(h native.Handle) (*featureSet, *camera, native.Status) {
	if h == native.SystemHandle {
		if !t.started {
			return nil, nil, native.StatusAPINotStarted
		}
		return t.system, nil, native.StatusSuccess
	}
	if cam, ok := t.handles[h]; ok {
		if !cam.present {
			return nil, nil, native.StatusBadHandle
		}
		return cam.features, cam, native.StatusSuccess
	}
	if s, ok := t.streams[h]; ok {
		if !s.cam.present {
			return nil, nil, native.StatusBadHandle
		}
		return s.features, s.cam, native.StatusSuccess
	}
	return nil, nil, native.StatusBadHandle
}

// lookup finds a feature and checks its type. Caller holds t.mu.
func (t *Transport) lookup(h native.Handle, name string, typ native.FeatureType) (*simFeature, *camera, native.Status) {
	fs, cam, st := t.featuresFor(h)
	if !st.OK() {
		return nil, nil, st
	}
	f, ok := fs.byName[name]
	if !ok {
		return nil, nil, native.StatusNotFound
	}
	if typ != native.FeatureUnknown && f.info.Type != typ {
		return nil, nil, native.StatusWrongType
	}
	return f, cam, native.StatusSuccess
}

func writeStatus(f *simFeature, cam *camera) native.Status {
	if f.info.Flags&native.FlagWrite == 0 {
		return native.StatusInvalidAccess
	}
	if f.info.Locked && cam != nil && cam.stream != nil && cam.stream.capturing {
		return native.StatusInvalidAccess
	}
	return native.StatusSuccess
}

func readStatus(f *simFeature) native.Status {
	if f.info.Flags&native.FlagRead == 0 {
		return native.StatusInvalidAccess
	}
	return native.StatusSuccess
}

func (t *Transport) FeatureInfos(h native.Handle) ([]native.FeatureInfo, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, _, st := t.featuresFor(h)
	if !st.OK() {
		return nil, st
	}
	return fs.infos(), native.StatusSuccess
}

func (t *Transport) FeatureAccess(h native.Handle, name string) (bool, bool, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, cam, st := t.lookup(h, name, native.FeatureUnknown)
	if !st.OK() {
		return false, false, st
	}
	return readStatus(f).OK(), writeStatus(f, cam).OK(), native.StatusSuccess
}

func (t *Transport) FeatureIntGet(h native.Handle, name string) (int64, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureInt)
	if !st.OK() {
		return 0, st
	}
	if st := readStatus(f); !st.OK() {
		return 0, st
	}
	if f.get != nil {
		return f.get(), native.StatusSuccess
	}
	return f.i, native.StatusSuccess
}

func (t *Transport) FeatureIntSet(h native.Handle, name string, v int64) native.Status {
	t.mu.Lock()
	st := t.setInt(h, name, v)
	notify := t.invalidated(h, name, st)
	t.mu.Unlock()
	notify()
	return st
}

func (t *Transport) setInt(h native.Handle, name string, v int64) native.Status {
	f, cam, st := t.lookup(h, name, native.FeatureInt)
	if !st.OK() {
		return st
	}
	if st := writeStatus(f, cam); !st.OK() {
		return st
	}
	if v < f.imin || v > f.imax {
		return native.StatusInvalidValue
	}
	f.i = v
	return native.StatusSuccess
}

func (t *Transport) FeatureIntRange(h native.Handle, name string) (int64, int64, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureInt)
	if !st.OK() {
		return 0, 0, st
	}
	if f.imin == 0 && f.imax == 0 {
		return 0, 0, native.StatusNotAvailable
	}
	return f.imin, f.imax, native.StatusSuccess
}

func (t *Transport) FeatureFloatGet(h native.Handle, name string) (float64, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureFloat)
	if !st.OK() {
		return 0, st
	}
	return f.f, readStatus(f)
}

func (t *Transport) FeatureFloatSet(h native.Handle, name string, v float64) native.Status {
	t.mu.Lock()
	st := t.setFloat(h, name, v)
	notify := t.invalidated(h, name, st)
	t.mu.Unlock()
	notify()
	return st
}

func (t *Transport) setFloat(h native.Handle, name string, v float64) native.Status {
	f, cam, st := t.lookup(h, name, native.FeatureFloat)
	if !st.OK() {
		return st
	}
	if st := writeStatus(f, cam); !st.OK() {
		return st
	}
	if v < f.fmin || v > f.fmax {
		return native.StatusInvalidValue
	}
	f.f = v
	return native.StatusSuccess
}

func (t *Transport) FeatureFloatRange(h native.Handle, name string) (float64, float64, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureFloat)
	if !st.OK() {
		return 0, 0, st
	}
	return f.fmin, f.fmax, native.StatusSuccess
}

func (t *Transport) FeatureEnumGet(h native.Handle, name string) (string, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureEnum)
	if !st.OK() {
		return "", st
	}
	return f.s, readStatus(f)
}

func (t *Transport) FeatureEnumSet(h native.Handle, name string, v string) native.Status {
	t.mu.Lock()
	st := t.setEnum(h, name, v)
	notify := t.invalidated(h, name, st)
	t.mu.Unlock()
	notify()
	return st
}

func (t *Transport) setEnum(h native.Handle, name string, v string) native.Status {
	f, cam, st := t.lookup(h, name, native.FeatureEnum)
	if !st.OK() {
		return st
	}
	if st := writeStatus(f, cam); !st.OK() {
		return st
	}
	for _, e := range f.entries {
		if e == v {
			f.s = v
			return native.StatusSuccess
		}
	}
	return native.StatusInvalidValue
}

func (t *Transport) FeatureEnumEntries(h native.Handle, name string) ([]string, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureEnum)
	if !st.OK() {
		return nil, st
	}
	return append([]string(nil), f.entries...), native.StatusSuccess
}

func (t *Transport) FeatureStringGet(h native.Handle, name string) (string, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureString)
	if !st.OK() {
		return "", st
	}
	return f.s, readStatus(f)
}

func (t *Transport) FeatureStringSet(h native.Handle, name string, v string) native.Status {
	t.mu.Lock()
	st := t.setString(h, name, v)
	notify := t.invalidated(h, name, st)
	t.mu.Unlock()
	notify()
	return st
}

func (t *Transport) setString(h native.Handle, name string, v string) native.Status {
	f, cam, st := t.lookup(h, name, native.FeatureString)
	if !st.OK() {
		return st
	}
	if st := writeStatus(f, cam); !st.OK() {
		return st
	}
	f.s = v
	return native.StatusSuccess
}

func (t *Transport) FeatureBoolGet(h native.Handle, name string) (bool, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, _, st := t.lookup(h, name, native.FeatureBool)
	if !st.OK() {
		return false, st
	}
	return f.b, readStatus(f)
}

func (t *Transport) FeatureBoolSet(h native.Handle, name string, v bool) native.Status {
	t.mu.Lock()
	st := t.setBool(h, name, v)
	notify := t.invalidated(h, name, st)
	t.mu.Unlock()
	notify()
	return st
}

func (t *Transport) setBool(h native.Handle, name string, v bool) native.Status {
	f, cam, st := t.lookup(h, name, native.FeatureBool)
	if !st.OK() {
		return st
	}
	if st := writeStatus(f, cam); !st.OK() {
		return st
	}
	f.b = v
	return native.StatusSuccess
}

func (t *Transport) FeatureCommandRun(h native.Handle, name string) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, cam, st := t.lookup(h, name, native.FeatureCommand)
	if !st.OK() {
		return st
	}
	if st, ok := t.injected("FeatureCommandRun"); ok {
		return st
	}
	if st := writeStatus(f, cam); !st.OK() {
		return st
	}
	if f.run != nil {
		f.run()
	}
	return native.StatusSuccess
}

func (t *Transport) FeatureCommandIsDone(h native.Handle, name string) (bool, native.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, _, st := t.lookup(h, name, native.FeatureCommand); !st.OK() {
		return false, st
	}
	return true, native.StatusSuccess
}

func (t *Transport) FeatureInvalidationRegister(h native.Handle, cb native.InvalidationCallback) native.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, _, st := t.featuresFor(h); !st.OK() {
		return st
	}
	if cb == nil {
		delete(t.invalidations, h)
	} else {
		t.invalidations[h] = cb
	}
	return native.StatusSuccess
}

// invalidated returns the callback run for a completed write. A write to a
// locked feature also invalidates PayloadSize. Caller holds t.mu.
func (t *Transport) invalidated(h native.Handle, name string, st native.Status) func() {
	cb := t.invalidations[h]
	if !st.OK() || cb == nil {
		return func() {}
	}
	names := []string{name}
	if f, _, st := t.lookup(h, name, native.FeatureUnknown); st.OK() && f.info.Locked {
		names = append(names, "PayloadSize")
	}
	return func() {
		for _, n := range names {
			cb(h, n)
		}
	}
}

// Acquiring reports whether AcquisitionStart has run without a matching
// AcquisitionStop.
func (t *Transport) Acquiring(cameraID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cam, ok := t.byID[cameraID]
	return ok && cam.acquiring
}
