// Package native describes the vendor transport-layer boundary.
//
// Everything below this package speaks in raw status codes and opaque handles.
// Callers above it translate statuses through the fault package and never
// hand a Status to application code.
package native

// Handle is an opaque reference to a system, camera or stream object owned
// by the transport layer.
type Handle uintptr

// NoHandle is the zero handle. The system handle used for global feature
// access is SystemHandle.
const (
	NoHandle     Handle = 0
	SystemHandle Handle = 1
)

// AccessMode mirrors the transport layer's camera access flags.
type AccessMode uint32

const (
	AccessNone      AccessMode = 0
	AccessFull      AccessMode = 1
	AccessRead      AccessMode = 2
	AccessUnknown   AccessMode = 4
	AccessExclusive AccessMode = 8
)

// String returns the lowercase name used in config files.
func (m AccessMode) String() string {
	switch m {
	case AccessNone:
		return "none"
	case AccessFull:
		return "full"
	case AccessRead:
		return "read"
	case AccessExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// ParseAccessMode converts a config string to an AccessMode. Unknown strings
// map to AccessUnknown.
func ParseAccessMode(s string) AccessMode {
	switch s {
	case "", "full":
		return AccessFull
	case "read":
		return AccessRead
	case "exclusive":
		return AccessExclusive
	case "none":
		return AccessNone
	default:
		return AccessUnknown
	}
}

// CameraInfo is the discovery record for one camera.
type CameraInfo struct {
	ID              string     `json:"id"`
	ExtendedID      string     `json:"extended_id"`
	Name            string     `json:"name"`
	Model           string     `json:"model"`
	Serial          string     `json:"serial"`
	InterfaceID     string     `json:"interface_id"`
	PermittedAccess AccessMode `json:"permitted_access"`
	StreamCount     int        `json:"stream_count"`
}

// FrameStatus is the receive status the transport layer writes into a
// completed frame.
type FrameStatus int32

const (
	FrameComplete   FrameStatus = 0
	FrameIncomplete FrameStatus = -1
	FrameTooSmall   FrameStatus = -2
	FrameInvalid    FrameStatus = -3
)

func (s FrameStatus) String() string {
	switch s {
	case FrameComplete:
		return "Complete"
	case FrameIncomplete:
		return "Incomplete"
	case FrameTooSmall:
		return "TooSmall"
	case FrameInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Frame is the structure shared with the transport layer for one buffer.
// The transport layer writes every field except Buffer and Context while the
// frame is queued; the host must not touch it during that time.
type Frame struct {
	Buffer        []byte
	ReceiveStatus FrameStatus
	FrameID       uint64
	Timestamp     uint64
	ImageSize     uint32
	Width         uint32
	Height        uint32
	PixelFormat   string

	// Context is reserved for the host. The capture engine stores the pool
	// index of the owning buffer here.
	Context int
}

// FrameCallback is invoked by the transport layer, on a goroutine it owns,
// once per completed frame.
type FrameCallback func(camera, stream Handle, frame *Frame)

// DeviceEvent is a camera discovery or health notification.
type DeviceEvent int

const (
	EventMissing DeviceEvent = iota
	EventDetected
	EventReachable
	EventUnreachable
	// EventFault reports an unrecoverable transport error on an open camera.
	EventFault
)

func (e DeviceEvent) String() string {
	switch e {
	case EventMissing:
		return "missing"
	case EventDetected:
		return "detected"
	case EventReachable:
		return "reachable"
	case EventUnreachable:
		return "unreachable"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// DeviceEventCallback receives device events. Like FrameCallback it runs on
// a transport-owned goroutine.
type DeviceEventCallback func(cameraID string, event DeviceEvent)

// API is the subset of the transport layer the engine consumes.
type API interface {
	Startup() Status
	Shutdown() Status

	Cameras() ([]CameraInfo, Status)
	CameraOpen(id string, mode AccessMode) (Handle, Status)
	CameraClose(camera Handle) Status

	StreamOpen(camera Handle, index int) (Handle, Status)
	StreamClose(stream Handle) Status
	PayloadSize(stream Handle) (uint32, Status)

	FrameAnnounce(stream Handle, frame *Frame) Status
	FrameRevoke(stream Handle, frame *Frame) Status
	FrameQueue(stream Handle, frame *Frame) Status
	QueueFlush(stream Handle) Status

	CaptureStart(stream Handle) Status
	// CaptureEnd returns only after the transport layer has stopped invoking
	// the frame callback for this stream.
	CaptureEnd(stream Handle) Status

	RegisterFrameCallback(stream Handle, cb FrameCallback) Status
	RegisterDeviceEvents(cb DeviceEventCallback) Status

	Features
}
