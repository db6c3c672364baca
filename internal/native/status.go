package native

import "fmt"

// Status is a transport-layer return code. Zero is success, negative values
// are errors.
type Status int32

const (
	StatusSuccess                 Status = 0
	StatusInternalFault           Status = -1
	StatusAPINotStarted           Status = -2
	StatusNotFound                Status = -3
	StatusBadHandle               Status = -4
	StatusDeviceNotOpen           Status = -5
	StatusInvalidAccess           Status = -6
	StatusBadParameter            Status = -7
	StatusStructSize              Status = -8
	StatusMoreData                Status = -9
	StatusWrongType               Status = -10
	StatusInvalidValue            Status = -11
	StatusTimeout                 Status = -12
	StatusOther                   Status = -13
	StatusResources               Status = -14
	StatusInvalidCall             Status = -15
	StatusNoTL                    Status = -16
	StatusNotImplemented          Status = -17
	StatusNotSupported            Status = -18
	StatusIncomplete              Status = -19
	StatusIO                      Status = -20
	StatusValidValueSetNotPresent Status = -21
	StatusGenTLUnspecified        Status = -22
	StatusUnspecified             Status = -23
	StatusBusy                    Status = -24
	StatusNoData                  Status = -25
	StatusParsingChunkData        Status = -26
	StatusInUse                   Status = -27
	StatusUnknown                 Status = -28
	StatusXML                     Status = -29
	StatusNotAvailable            Status = -30
	StatusNotInitialized          Status = -31
	StatusInvalidAddress          Status = -32
	StatusAlready                 Status = -33
	StatusNoChunkData             Status = -34
	StatusUserCallbackException   Status = -35
	StatusFeaturesUnavailable     Status = -36
	StatusTLNotFound              Status = -37
	StatusAmbiguous               Status = -39
	StatusRetriesExceeded         Status = -40
	StatusInsufficientBufferCount Status = -41
)

var statusNames = map[Status]string{
	StatusSuccess:                 "Success",
	StatusInternalFault:           "InternalFault",
	StatusAPINotStarted:           "ApiNotStarted",
	StatusNotFound:                "NotFound",
	StatusBadHandle:               "BadHandle",
	StatusDeviceNotOpen:           "DeviceNotOpen",
	StatusInvalidAccess:           "InvalidAccess",
	StatusBadParameter:            "BadParameter",
	StatusStructSize:              "StructSize",
	StatusMoreData:                "MoreData",
	StatusWrongType:               "WrongType",
	StatusInvalidValue:            "InvalidValue",
	StatusTimeout:                 "Timeout",
	StatusOther:                   "Other",
	StatusResources:               "Resources",
	StatusInvalidCall:             "InvalidCall",
	StatusNoTL:                    "NoTL",
	StatusNotImplemented:          "NotImplemented",
	StatusNotSupported:            "NotSupported",
	StatusIncomplete:              "Incomplete",
	StatusIO:                      "IO",
	StatusValidValueSetNotPresent: "ValidValueSetNotPresent",
	StatusGenTLUnspecified:        "GenTLUnspecified",
	StatusUnspecified:             "Unspecified",
	StatusBusy:                    "Busy",
	StatusNoData:                  "NoData",
	StatusParsingChunkData:        "ParsingChunkData",
	StatusInUse:                   "InUse",
	StatusUnknown:                 "Unknown",
	StatusXML:                     "Xml",
	StatusNotAvailable:            "NotAvailable",
	StatusNotInitialized:          "NotInitialized",
	StatusInvalidAddress:          "InvalidAddress",
	StatusAlready:                 "Already",
	StatusNoChunkData:             "NoChunkData",
	StatusUserCallbackException:   "UserCallbackException",
	StatusFeaturesUnavailable:     "FeaturesUnavailable",
	StatusTLNotFound:              "TLNotFound",
	StatusAmbiguous:               "Ambiguous",
	StatusRetriesExceeded:         "RetriesExceeded",
	StatusInsufficientBufferCount: "InsufficientBufferCount",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// OK reports whether the status is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// KnownStatuses returns every status code this package defines, success
// included.
func KnownStatuses() []Status {
	out := make([]Status, 0, len(statusNames))
	for s := range statusNames {
		out = append(out, s)
	}
	return out
}
