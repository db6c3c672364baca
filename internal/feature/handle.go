package feature

import (
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// Handle is one named, typed feature.
type Handle struct {
	info  native.FeatureInfo
	table *Table
}

func (h *Handle) Name() string             { return h.info.Name }
func (h *Handle) Type() native.FeatureType { return h.info.Type }
func (h *Handle) Info() native.FeatureInfo { return h.info }

// Readable reports whether the feature can currently be read.
func (h *Handle) Readable() bool {
	r, _, st := h.table.api.FeatureAccess(h.table.owner, h.info.Name)
	return st.OK() && r
}

// Writable reports whether the feature can be written in the owner's current
// capture state.
func (h *Handle) Writable() bool {
	return h.table.IsWritable(h, h.table.state())
}

func (h *Handle) expect(op string, typ native.FeatureType) error {
	if h.info.Type != typ {
		return fault.New(fault.KindInvalidArgument, op, "feature %s is %s, not %s", h.info.Name, h.info.Type, typ)
	}
	return nil
}

func (h *Handle) beginWrite(op string, typ native.FeatureType) error {
	if err := h.expect(op, typ); err != nil {
		return err
	}
	return h.table.writeCheck(h, h.table.state())
}

func (h *Handle) Int() (int64, error) {
	if err := h.expect("get", native.FeatureInt); err != nil {
		return 0, err
	}
	v, st := h.table.api.FeatureIntGet(h.table.owner, h.info.Name)
	return v, fault.FromStatus("FeatureIntGet", st)
}

func (h *Handle) SetInt(v int64) error {
	if err := h.beginWrite("set", native.FeatureInt); err != nil {
		return err
	}
	return fault.FromStatus("FeatureIntSet", h.table.api.FeatureIntSet(h.table.owner, h.info.Name, v))
}

func (h *Handle) IntRange() (int64, int64, error) {
	if err := h.expect("range", native.FeatureInt); err != nil {
		return 0, 0, err
	}
	lo, hi, st := h.table.api.FeatureIntRange(h.table.owner, h.info.Name)
	return lo, hi, fault.FromStatus("FeatureIntRange", st)
}

func (h *Handle) Float() (float64, error) {
	if err := h.expect("get", native.FeatureFloat); err != nil {
		return 0, err
	}
	v, st := h.table.api.FeatureFloatGet(h.table.owner, h.info.Name)
	return v, fault.FromStatus("FeatureFloatGet", st)
}

func (h *Handle) SetFloat(v float64) error {
	if err := h.beginWrite("set", native.FeatureFloat); err != nil {
		return err
	}
	return fault.FromStatus("FeatureFloatSet", h.table.api.FeatureFloatSet(h.table.owner, h.info.Name, v))
}

func (h *Handle) FloatRange() (float64, float64, error) {
	if err := h.expect("range", native.FeatureFloat); err != nil {
		return 0, 0, err
	}
	lo, hi, st := h.table.api.FeatureFloatRange(h.table.owner, h.info.Name)
	return lo, hi, fault.FromStatus("FeatureFloatRange", st)
}

func (h *Handle) Enum() (string, error) {
	if err := h.expect("get", native.FeatureEnum); err != nil {
		return "", err
	}
	v, st := h.table.api.FeatureEnumGet(h.table.owner, h.info.Name)
	return v, fault.FromStatus("FeatureEnumGet", st)
}

func (h *Handle) SetEnum(v string) error {
	if err := h.beginWrite("set", native.FeatureEnum); err != nil {
		return err
	}
	return fault.FromStatus("FeatureEnumSet", h.table.api.FeatureEnumSet(h.table.owner, h.info.Name, v))
}

func (h *Handle) EnumEntries() ([]string, error) {
	if err := h.expect("entries", native.FeatureEnum); err != nil {
		return nil, err
	}
	v, st := h.table.api.FeatureEnumEntries(h.table.owner, h.info.Name)
	return v, fault.FromStatus("FeatureEnumEntries", st)
}

func (h *Handle) StringValue() (string, error) {
	if err := h.expect("get", native.FeatureString); err != nil {
		return "", err
	}
	v, st := h.table.api.FeatureStringGet(h.table.owner, h.info.Name)
	return v, fault.FromStatus("FeatureStringGet", st)
}

func (h *Handle) SetString(v string) error {
	if err := h.beginWrite("set", native.FeatureString); err != nil {
		return err
	}
	return fault.FromStatus("FeatureStringSet", h.table.api.FeatureStringSet(h.table.owner, h.info.Name, v))
}

func (h *Handle) Bool() (bool, error) {
	if err := h.expect("get", native.FeatureBool); err != nil {
		return false, err
	}
	v, st := h.table.api.FeatureBoolGet(h.table.owner, h.info.Name)
	return v, fault.FromStatus("FeatureBoolGet", st)
}

func (h *Handle) SetBool(v bool) error {
	if err := h.beginWrite("set", native.FeatureBool); err != nil {
		return err
	}
	return fault.FromStatus("FeatureBoolSet", h.table.api.FeatureBoolSet(h.table.owner, h.info.Name, v))
}

// Run executes a command feature and waits up to timeout for it to finish.
func (h *Handle) Run(timeout time.Duration) error {
	if err := h.beginWrite("run", native.FeatureCommand); err != nil {
		return err
	}
	if err := fault.FromStatus("FeatureCommandRun", h.table.api.FeatureCommandRun(h.table.owner, h.info.Name)); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		done, st := h.table.api.FeatureCommandIsDone(h.table.owner, h.info.Name)
		if err := fault.FromStatus("FeatureCommandIsDone", st); err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.New(fault.KindTimeout, "run", "command %s did not complete within %s", h.info.Name, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// Value reads the feature as its natural Go type. Commands and raw features
// have no value.
func (h *Handle) Value() (any, error) {
	switch h.info.Type {
	case native.FeatureInt:
		return h.Int()
	case native.FeatureFloat:
		return h.Float()
	case native.FeatureEnum:
		return h.Enum()
	case native.FeatureString:
		return h.StringValue()
	case native.FeatureBool:
		return h.Bool()
	default:
		return nil, fault.New(fault.KindNotSupported, "get", "feature %s of type %s has no value", h.info.Name, h.info.Type)
	}
}

// Set parses text according to the feature type and writes it. For command
// features the text is ignored and the command is run.
func (h *Handle) Set(text string) error {
	text = strings.TrimSpace(text)
	switch h.info.Type {
	case native.FeatureInt:
		v, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return fault.Wrap(fault.KindInvalidArgument, "set", err)
		}
		return h.SetInt(v)
	case native.FeatureFloat:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fault.Wrap(fault.KindInvalidArgument, "set", err)
		}
		return h.SetFloat(v)
	case native.FeatureEnum:
		return h.SetEnum(text)
	case native.FeatureString:
		return h.SetString(text)
	case native.FeatureBool:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return fault.Wrap(fault.KindInvalidArgument, "set", err)
		}
		return h.SetBool(v)
	case native.FeatureCommand:
		return h.Run(time.Second)
	default:
		return fault.New(fault.KindNotSupported, "set", "feature %s of type %s cannot be set", h.info.Name, h.info.Type)
	}
}

// OnChange calls fn whenever the value of the feature may have changed,
// including changes caused by writes to features it depends on. The returned
// function unregisters fn.
func (h *Handle) OnChange(fn func(*Handle)) (func(), error) {
	return h.table.watch(h.info.Name, fn)
}
