package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/device"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/feature"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// openCamera is a camera the server holds a reference on.
type openCamera struct {
	cam     *device.Camera
	stream  *capture.Stream
	events  chan capture.Event
	unwatch func()
}

// CameraStatus is one entry of the camera list
type CameraStatus struct {
	native.CameraInfo
	Open  bool   `json:"open"`
	State string `json:"state"`
}

// acquire opens the camera on first use. The reference is held until
// Shutdown or until the camera disappears.
func (s *Server) acquire(id string) (*openCamera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oc, ok := s.cameras[id]; ok {
		return oc, nil
	}

	cam, err := s.sys.Camera(id)
	if err != nil {
		return nil, err
	}
	if err := cam.Open(s.configMgr.Get().AccessMode()); err != nil {
		return nil, err
	}
	stream, err := cam.Stream()
	if err != nil {
		cam.Close()
		return nil, err
	}

	table, err := cam.Features()
	if err != nil {
		cam.Close()
		return nil, err
	}
	unwatch, err := table.Watch(s.forwardFeatureChange(id))
	if err != nil {
		cam.Close()
		return nil, err
	}

	oc := &openCamera{cam: cam, stream: stream, events: stream.Subscribe(), unwatch: unwatch}
	s.cameras[id] = oc
	go s.forwardStreamEvents(oc.events)

	s.log.Info().Str("camera", id).Msg("Camera acquired")
	return oc, nil
}

// release drops the server's reference on a camera
func (s *Server) release(id string) error {
	s.mu.Lock()
	oc, ok := s.cameras[id]
	delete(s.cameras, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	oc.unwatch()
	oc.stream.Unsubscribe(oc.events)
	return oc.cam.Close()
}

func (s *Server) releaseAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.release(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartStream arms and starts the camera's stream with the configured
// acquisition options. Frames go to the preview output.
func (s *Server) StartStream(ctx context.Context, id string, bufferCount int) (capture.Stats, error) {
	oc, err := s.acquire(id)
	if err != nil {
		return capture.Stats{}, err
	}

	cfg := s.configMgr.Get()
	opts, err := cfg.Options()
	if err != nil {
		return capture.Stats{}, fault.Wrap(fault.KindInvalidArgument, "stream", err)
	}
	if bufferCount > 0 {
		opts.BufferCount = bufferCount
	}
	opts.Delivery = capture.DeliverPush
	opts.Handler = s.frames.Handle

	if err := oc.stream.Arm(opts); err != nil {
		return capture.Stats{}, err
	}
	// A failed Start has already rolled the stream back to Closed.
	if err := oc.stream.Start(ctx); err != nil {
		return capture.Stats{}, err
	}
	if s.preview != nil {
		s.preview.SetStatsSource(oc.stream.Stats)
	}
	return oc.stream.Stats(), nil
}

// StopStream stops the camera's stream
func (s *Server) StopStream(ctx context.Context, id string) (capture.Stats, error) {
	s.mu.Lock()
	oc, ok := s.cameras[id]
	s.mu.Unlock()
	if !ok || oc.stream.State() == capture.StateClosed {
		return capture.Stats{}, fault.New(fault.KindInvalidState, "stream", "camera %s is not streaming", id)
	}
	if err := oc.stream.Stop(ctx); err != nil {
		return oc.stream.Stats(), err
	}
	return oc.stream.Stats(), nil
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sys.Cameras()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.mu.Lock()
	out := make([]CameraStatus, 0, len(infos))
	for _, info := range infos {
		st := CameraStatus{CameraInfo: info, State: capture.StateClosed.String()}
		if oc, ok := s.cameras[info.ID]; ok {
			st.Open = true
			st.State = oc.stream.State().String()
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BufferCount int `json:"buffer_count"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, fault.Wrap(fault.KindInvalidArgument, "stream", err))
			return
		}
	}

	stats, err := s.StartStream(r.Context(), mux.Vars(r)["id"], req.BufferCount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stats)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	stats, err := s.StopStream(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	oc, ok := s.cameras[id]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, r, fault.New(fault.KindInvalidState, "stats", "camera %s is not open", id))
		return
	}
	writeJSON(w, http.StatusOK, oc.stream.Stats())
}

// FeatureView is the JSON form of one feature
type FeatureView struct {
	native.FeatureInfo
	Value    interface{} `json:"value,omitempty"`
	Writable bool        `json:"writable"`
	Error    string      `json:"error,omitempty"`
}

func viewOf(h *feature.Handle) FeatureView {
	v := FeatureView{FeatureInfo: h.Info(), Writable: h.Writable()}
	if h.Type() == native.FeatureCommand || h.Type() == native.FeatureRaw {
		return v
	}
	if !h.Readable() {
		return v
	}
	val, err := h.Value()
	if err != nil {
		v.Error = err.Error()
		return v
	}
	v.Value = val
	return v
}

func (s *Server) featureTable(r *http.Request) (*feature.Table, error) {
	oc, err := s.acquire(mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	return oc.cam.Features()
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	table, err := s.featureTable(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handles, err := table.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]FeatureView, 0, len(handles))
	for _, h := range handles {
		views = append(views, viewOf(h))
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Category < views[j].Category })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	table, err := s.featureTable(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := table.Get(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(h))
}

func (s *Server) handleSetFeature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindInvalidArgument, "feature", err))
		return
	}

	table, err := s.featureTable(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := table.Get(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var text string
	switch v := req.Value.(type) {
	case nil:
	case string:
		text = v
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		text = fmt.Sprint(v)
	}
	if err := h.Set(text); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(h))
}
