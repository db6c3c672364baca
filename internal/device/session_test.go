package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/native"
	"github.com/bryanchriswhite/camstreamer/internal/native/sim"
)

func TestOpenSession(t *testing.T) {
	tr := sim.New(sim.CameraSpec{ID: "cam0"})
	sys := NewSystem(tr)

	sess, err := OpenSession(context.Background(), sys, "cam0", native.AccessFull, capture.Options{BufferCount: 4, Handler: requeue})
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if sess.Stream.State() != capture.StateStreaming {
		t.Errorf("Expected Streaming, got %s", sess.Stream.State())
	}
	if tr.FireN("cam0", 8) != 8 {
		t.Errorf("Expected 8 completions")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sys.IsOpen() || tr.Started() {
		t.Errorf("System still open after session close")
	}
}

func TestOpenSession_UnwindsOnFailure(t *testing.T) {
	testCases := []struct {
		name string
		op   string
		kind fault.Kind
	}{
		{"announce", "FrameAnnounce", fault.KindResourceExhausted},
		{"capture start", "CaptureStart", fault.KindDeviceError},
		{"camera open", "CameraOpen", fault.KindInvalidState},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := sim.New(sim.CameraSpec{ID: "cam0"})
			sys := NewSystem(tr)
			st := native.StatusResources
			if tc.op == "CaptureStart" {
				st = native.StatusInternalFault
			}
			if tc.op == "CameraOpen" {
				st = native.StatusInUse
			}
			tr.FailNext(tc.op, st, 1)

			_, err := OpenSession(context.Background(), sys, "cam0", native.AccessFull, capture.Options{BufferCount: 2, Handler: requeue})
			if err == nil {
				t.Fatalf("Expected OpenSession to fail")
			}
			if !fault.IsKind(err, tc.kind) {
				t.Errorf("Expected %s, got %v", tc.kind, err)
			}
			if sys.IsOpen() || tr.Started() || tr.IsOpen("cam0") {
				t.Errorf("Resources leaked after failed OpenSession")
			}
		})
	}
}

func TestGrabFrame(t *testing.T) {
	tr := sim.New(sim.CameraSpec{ID: "cam0", Width: 8, Height: 4, FPS: 200})
	sys := NewSystem(tr)

	g, err := GrabFrame(context.Background(), sys, "cam0", native.AccessFull, time.Second)
	if err != nil {
		t.Fatalf("GrabFrame failed: %v", err)
	}
	if g.Width != 8 || g.Height != 4 {
		t.Errorf("Expected 8x4, got %dx%d", g.Width, g.Height)
	}
	if len(g.Data) != 32 {
		t.Errorf("Expected 32 bytes, got %d", len(g.Data))
	}
	if g.Status != capture.FrameComplete {
		t.Errorf("Expected complete frame, got %s", g.Status)
	}
	if tr.Started() {
		t.Errorf("Transport still started after grab")
	}
}

func TestGrabFrame_Timeout(t *testing.T) {
	tr := sim.New(sim.CameraSpec{ID: "cam0"})
	sys := NewSystem(tr)

	_, err := GrabFrame(context.Background(), sys, "cam0", native.AccessFull, 20*time.Millisecond)
	if !fault.IsKind(err, fault.KindTimeout) {
		t.Errorf("Expected Timeout, got %v", err)
	}
	if tr.Started() {
		t.Errorf("Transport still started after failed grab")
	}
}

func TestGrabFrames(t *testing.T) {
	tr := sim.New(sim.CameraSpec{ID: "cam0", Width: 8, Height: 4, FPS: 200})
	sys := NewSystem(tr)

	var seqs []uint64
	err := GrabFrames(context.Background(), sys, "cam0", native.AccessFull, 5, time.Second, func(f *capture.Frame) error {
		if len(f.Bytes()) != 32 {
			t.Errorf("Expected 32 bytes, got %d", len(f.Bytes()))
		}
		seqs = append(seqs, f.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("GrabFrames failed: %v", err)
	}
	if len(seqs) != 5 {
		t.Fatalf("Expected 5 frames, got %d", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("Sequence not increasing: %v", seqs)
		}
	}
	if tr.Started() {
		t.Errorf("Transport still started after grab")
	}
}

func TestGrabFrames_Stop(t *testing.T) {
	boom := errors.New("disk full")

	testCases := []struct {
		name    string
		verdict error
		wantErr error
	}{
		{"stop", ErrStopGrab, nil},
		{"callback error", boom, boom},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := sim.New(sim.CameraSpec{ID: "cam0", FPS: 200})
			sys := NewSystem(tr)

			calls := 0
			err := GrabFrames(context.Background(), sys, "cam0", native.AccessFull, 0, time.Second, func(*capture.Frame) error {
				calls++
				if calls == 2 {
					return tc.verdict
				}
				return nil
			})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
			if calls != 2 {
				t.Errorf("Expected 2 calls, got %d", calls)
			}
			if tr.Started() || sys.IsOpen() {
				t.Errorf("Resources leaked after grab")
			}
		})
	}
}

func TestGrabFrames_UnlimitedEndsWithContext(t *testing.T) {
	tr := sim.New(sim.CameraSpec{ID: "cam0", FPS: 200})
	sys := NewSystem(tr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	calls := 0
	err := GrabFrames(ctx, sys, "cam0", native.AccessFull, 0, time.Second, func(*capture.Frame) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("GrabFrames failed: %v", err)
	}
	if calls == 0 {
		t.Errorf("Expected frames before the context ended")
	}
	if tr.Started() {
		t.Errorf("Transport still started after grab")
	}
}

func TestGrabFrames_Timeout(t *testing.T) {
	tr := sim.New(sim.CameraSpec{ID: "cam0"})
	sys := NewSystem(tr)

	err := GrabFrames(context.Background(), sys, "cam0", native.AccessFull, 3, 20*time.Millisecond, func(*capture.Frame) error {
		t.Errorf("Unexpected frame")
		return nil
	})
	if !fault.IsKind(err, fault.KindTimeout) {
		t.Errorf("Expected Timeout, got %v", err)
	}
}

func TestGrabFrames_RequeueFailureKeepsGrabbing(t *testing.T) {
	tr := sim.New(sim.CameraSpec{ID: "cam0", FPS: 200})
	sys := NewSystem(tr)

	calls := 0
	err := GrabFrames(context.Background(), sys, "cam0", native.AccessFull, 2, time.Second, func(*capture.Frame) error {
		calls++
		if calls == 1 {
			tr.FailNext("FrameQueue", native.StatusOther, 1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("GrabFrames failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 frames, got %d", calls)
	}
	if tr.Started() || sys.IsOpen() {
		t.Errorf("Resources leaked after grab")
	}
}
