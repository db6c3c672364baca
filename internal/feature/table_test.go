package feature

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
	"github.com/bryanchriswhite/camstreamer/internal/native/sim"
)

func TestMain(m *testing.M) {
	logger.InitWithWriter("disabled", io.Discard)
	os.Exit(m.Run())
}

func openCamera(t *testing.T) (*sim.Transport, *capture.Stream, *Table) {
	t.Helper()
	tr := sim.New(sim.CameraSpec{ID: "cam0", Model: "M1", Serial: "S1", Width: 16, Height: 16})
	tr.Startup()
	cam, st := tr.CameraOpen("cam0", native.AccessFull)
	if !st.OK() {
		t.Fatalf("CameraOpen failed: %s", st)
	}
	sh, st := tr.StreamOpen(cam, 0)
	if !st.OK() {
		t.Fatalf("StreamOpen failed: %s", st)
	}
	stream := capture.NewStream(tr, cam, sh, "cam0", native.AccessFull)
	return tr, stream, NewTable(tr, cam, stream.State)
}

func TestTable_Get(t *testing.T) {
	_, _, table := openCamera(t)

	h, err := table.Get("Width")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if h.Type() != native.FeatureInt {
		t.Errorf("Expected int feature, got %s", h.Type())
	}
	v, err := h.Int()
	if err != nil || v != 16 {
		t.Errorf("Expected Width 16, got %d (%v)", v, err)
	}

	if _, err := table.Get("NoSuchFeature"); !fault.IsKind(err, fault.KindNotSupported) {
		t.Errorf("Expected NotSupported, got %v", err)
	}
}

func TestTable_ListAndCategories(t *testing.T) {
	_, _, table := openCamera(t)
	handles, err := table.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(handles) == 0 || handles[0].Name() != "Width" {
		t.Errorf("Unexpected feature list")
	}
	cats, err := table.Categories()
	if err != nil {
		t.Fatalf("Categories failed: %v", err)
	}
	found := false
	for _, c := range cats {
		if c == "/AcquisitionControl" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected /AcquisitionControl in %v", cats)
	}
}

func TestTypedAccess(t *testing.T) {
	_, _, table := openCamera(t)

	testCases := []struct {
		name  string
		value string
		check func(h *Handle) (any, error)
		want  any
	}{
		{"ExposureTime", "2500", func(h *Handle) (any, error) { return h.Float() }, 2500.0},
		{"PixelFormat", "Mono16", func(h *Handle) (any, error) { return h.Enum() }, "Mono16"},
		{"ReverseX", "true", func(h *Handle) (any, error) { return h.Bool() }, true},
		{"DeviceUserID", "left", func(h *Handle) (any, error) { return h.StringValue() }, "left"},
		{"Height", "0x20", func(h *Handle) (any, error) { return h.Int() }, int64(32)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := table.Get(tc.name)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if err := h.Set(tc.value); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			got, err := tc.check(h)
			if err != nil {
				t.Fatalf("Read back failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestTypeMismatch(t *testing.T) {
	_, _, table := openCamera(t)
	h, _ := table.Get("Width")
	if _, err := h.Float(); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}
	if err := h.Set("wide"); !fault.IsKind(err, fault.KindInvalidArgument) {
		t.Errorf("Expected InvalidArgument for unparsable value, got %v", err)
	}
}

func TestWriteGating(t *testing.T) {
	_, stream, table := openCamera(t)

	payload, _ := table.Get("PayloadSize")
	if err := payload.SetInt(1); !fault.IsKind(err, fault.KindNotSupported) {
		t.Errorf("Read-only feature: expected NotSupported, got %v", err)
	}

	width, _ := table.Get("Width")
	if !table.IsWritable(width, capture.StateClosed) {
		t.Errorf("Width must be writable while Closed")
	}
	if table.IsWritable(width, capture.StateStreaming) {
		t.Errorf("Width must be locked while Streaming")
	}

	if err := stream.Arm(capture.Options{BufferCount: 2, Handler: func(*capture.Frame) capture.Action { return capture.Requeue }}); err != nil {
		t.Fatalf("Arm failed: %v", err)
	}
	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := width.SetInt(64); !fault.IsKind(err, fault.KindInvalidState) {
		t.Errorf("Expected InvalidState while streaming, got %v", err)
	}
	gain, _ := table.Get("Gain")
	if err := gain.SetFloat(3); err != nil {
		t.Errorf("Unlocked feature write failed while streaming: %v", err)
	}
	stream.Stop(context.Background())

	if err := width.SetInt(64); err != nil {
		t.Errorf("Width write failed after stop: %v", err)
	}
	if v, _ := width.Int(); v != 64 {
		t.Errorf("Expected Width 64, got %d", v)
	}
}

func TestCommandRun(t *testing.T) {
	tr, _, table := openCamera(t)
	h, _ := table.Get("AcquisitionStart")
	if err := h.Set(""); err != nil {
		t.Fatalf("Command run failed: %v", err)
	}
	if !tr.Acquiring("cam0") {
		t.Errorf("Command did not execute")
	}
	if _, err := h.Value(); !fault.IsKind(err, fault.KindNotSupported) {
		t.Errorf("Command value: expected NotSupported, got %v", err)
	}
}

func TestOnChange(t *testing.T) {
	_, _, table := openCamera(t)
	width, _ := table.Get("Width")
	payload, _ := table.Get("PayloadSize")

	var widths []int64
	unregister, err := width.OnChange(func(h *Handle) {
		v, err := h.Int()
		if err != nil {
			t.Errorf("Int in change handler failed: %v", err)
		}
		widths = append(widths, v)
	})
	if err != nil {
		t.Fatalf("OnChange failed: %v", err)
	}
	var payloadChanges int
	stopPayload, err := payload.OnChange(func(*Handle) { payloadChanges++ })
	if err != nil {
		t.Fatalf("OnChange failed: %v", err)
	}
	defer stopPayload()

	if err := width.SetInt(32); err != nil {
		t.Fatalf("SetInt failed: %v", err)
	}
	if err := width.SetInt(0); err == nil {
		t.Fatalf("Expected out-of-range write to fail")
	}
	gain, _ := table.Get("Gain")
	gain.SetFloat(2)

	if len(widths) != 1 || widths[0] != 32 {
		t.Errorf("Expected one change to 32, got %v", widths)
	}
	if payloadChanges != 1 {
		t.Errorf("Expected PayloadSize invalidated once by the Width write, got %d", payloadChanges)
	}

	unregister()
	unregister()
	width.SetInt(48)
	if len(widths) != 1 {
		t.Errorf("Handler called after unregister: %v", widths)
	}
}

func TestWatch(t *testing.T) {
	_, _, table := openCamera(t)

	var names []string
	unregister, err := table.Watch(func(h *Handle) { names = append(names, h.Name()) })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer unregister()

	for _, tc := range []struct{ name, value string }{
		{"ExposureTime", "1200"},
		{"DeviceUserID", "bench"},
		{"ReverseX", "true"},
	} {
		h, _ := table.Get(tc.name)
		if err := h.Set(tc.value); err != nil {
			t.Fatalf("Set %s failed: %v", tc.name, err)
		}
	}

	want := []string{"ExposureTime", "DeviceUserID", "ReverseX"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Change %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}
