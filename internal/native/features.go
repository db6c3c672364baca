package native

// FeatureType is the data type of a GenICam feature.
type FeatureType int

const (
	FeatureUnknown FeatureType = iota
	FeatureInt
	FeatureFloat
	FeatureEnum
	FeatureString
	FeatureBool
	FeatureCommand
	FeatureRaw
)

func (t FeatureType) String() string {
	switch t {
	case FeatureInt:
		return "int"
	case FeatureFloat:
		return "float"
	case FeatureEnum:
		return "enum"
	case FeatureString:
		return "string"
	case FeatureBool:
		return "bool"
	case FeatureCommand:
		return "command"
	case FeatureRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name.
func (t FeatureType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// FeatureFlags is the static access information for a feature. The current
// access state is queried with FeatureAccess.
type FeatureFlags uint32

const (
	FlagRead        FeatureFlags = 1
	FlagWrite       FeatureFlags = 2
	FlagVolatile    FeatureFlags = 8
	FlagModifyWrite FeatureFlags = 16
)

// FeatureInfo describes one feature of a module.
type FeatureInfo struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name"`
	Category    string       `json:"category"`
	Unit        string       `json:"unit,omitempty"`
	Description string       `json:"description,omitempty"`
	Type        FeatureType  `json:"type"`
	Flags       FeatureFlags `json:"flags"`
	// Locked is set for transport-layer parameters (payload size and
	// everything that feeds it) that become read-only while acquisition is
	// running.
	Locked bool `json:"locked"`
}

// InvalidationCallback is told that the value of the named feature of h may
// have changed. It runs on a transport-owned goroutine.
type InvalidationCallback func(h Handle, name string)

// Features is the feature access part of the transport layer.
type Features interface {
	FeatureInfos(h Handle) ([]FeatureInfo, Status)
	FeatureAccess(h Handle, name string) (readable, writable bool, st Status)

	FeatureIntGet(h Handle, name string) (int64, Status)
	FeatureIntSet(h Handle, name string, v int64) Status
	FeatureIntRange(h Handle, name string) (min, max int64, st Status)

	FeatureFloatGet(h Handle, name string) (float64, Status)
	FeatureFloatSet(h Handle, name string, v float64) Status
	FeatureFloatRange(h Handle, name string) (min, max float64, st Status)

	FeatureEnumGet(h Handle, name string) (string, Status)
	FeatureEnumSet(h Handle, name string, v string) Status
	FeatureEnumEntries(h Handle, name string) ([]string, Status)

	FeatureStringGet(h Handle, name string) (string, Status)
	FeatureStringSet(h Handle, name string, v string) Status

	FeatureBoolGet(h Handle, name string) (bool, Status)
	FeatureBoolSet(h Handle, name string, v bool) Status

	FeatureCommandRun(h Handle, name string) Status
	FeatureCommandIsDone(h Handle, name string) (bool, Status)

	// FeatureInvalidationRegister sets the invalidation callback of module
	// h. A nil callback unregisters.
	FeatureInvalidationRegister(h Handle, cb InvalidationCallback) Status
}
