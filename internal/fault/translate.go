package fault

import "github.com/bryanchriswhite/camstreamer/internal/native"

// statusKinds maps every native error code onto the taxonomy.
var statusKinds = map[native.Status]Kind{
	native.StatusAPINotStarted:   KindInvalidState,
	native.StatusDeviceNotOpen:   KindInvalidState,
	native.StatusInvalidAccess:   KindInvalidState,
	native.StatusInvalidCall:     KindInvalidState,
	native.StatusBusy:            KindInvalidState,
	native.StatusInUse:           KindInvalidState,
	native.StatusAlready:         KindInvalidState,
	native.StatusNotInitialized:  KindInvalidState,

	native.StatusBadHandle:      KindInvalidArgument,
	native.StatusBadParameter:   KindInvalidArgument,
	native.StatusStructSize:     KindInvalidArgument,
	native.StatusMoreData:       KindInvalidArgument,
	native.StatusWrongType:      KindInvalidArgument,
	native.StatusInvalidValue:   KindInvalidArgument,
	native.StatusInvalidAddress: KindInvalidArgument,
	native.StatusAmbiguous:      KindInvalidArgument,

	native.StatusResources:               KindResourceExhausted,
	native.StatusInsufficientBufferCount: KindResourceExhausted,

	native.StatusTimeout:         KindTimeout,
	native.StatusRetriesExceeded: KindTimeout,

	native.StatusNotFound:                KindNotSupported,
	native.StatusNotImplemented:          KindNotSupported,
	native.StatusNotSupported:            KindNotSupported,
	native.StatusNotAvailable:            KindNotSupported,
	native.StatusValidValueSetNotPresent: KindNotSupported,
	native.StatusNoChunkData:             KindNotSupported,
	native.StatusFeaturesUnavailable:     KindNotSupported,
	native.StatusNoTL:                    KindNotSupported,
	native.StatusTLNotFound:              KindNotSupported,

	native.StatusInternalFault:         KindDeviceError,
	native.StatusOther:                 KindDeviceError,
	native.StatusIncomplete:            KindDeviceError,
	native.StatusIO:                    KindDeviceError,
	native.StatusGenTLUnspecified:      KindDeviceError,
	native.StatusUnspecified:           KindDeviceError,
	native.StatusNoData:                KindDeviceError,
	native.StatusParsingChunkData:      KindDeviceError,
	native.StatusUnknown:               KindDeviceError,
	native.StatusXML:                   KindDeviceError,
	native.StatusUserCallbackException: KindDeviceError,
}

// KindForStatus returns the Kind for a native status. Unlisted non-zero codes
// are device errors; StatusSuccess returns KindUnknown.
func KindForStatus(st native.Status) Kind {
	if st == native.StatusSuccess {
		return KindUnknown
	}
	if k, ok := statusKinds[st]; ok {
		return k
	}
	return KindDeviceError
}

// FromStatus converts the result of a native call into an error. It returns
// nil for StatusSuccess.
func FromStatus(op string, st native.Status) error {
	if st == native.StatusSuccess {
		return nil
	}
	return &Error{Kind: KindForStatus(st), Op: op, Status: st}
}
