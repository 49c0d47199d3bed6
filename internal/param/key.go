// Package param defines structured parameter keys and the attribute names
// derived from them when outcomes are recorded on a trial.
package param

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the stratum a parameter belongs to
type Kind int

const (
	KindBase Kind = iota
	KindDistance
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "base"
	case KindDistance:
		return "distance"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrMalformedKey is returned by ParseKey for text that is not a key
var ErrMalformedKey = errors.New("malformed parameter key")

// Stratum identifies the sub-population a share or parameter refers to.
// Attr is only set for group strata; Value holds the bucket label or group value.
type Stratum struct {
	Kind  Kind
	Attr  string
	Value string
}

// Global is the unstratified population
var Global = Stratum{Kind: KindBase}

// Distance returns the stratum of one distance bucket
func Distance(label string) Stratum {
	return Stratum{Kind: KindDistance, Value: label}
}

// Group returns the stratum of one value of a categorical attribute
func Group(attr, value string) Stratum {
	return Stratum{Kind: KindGroup, Attr: attr, Value: value}
}

// String renders the bracket suffix: "" for global, "[dist:a - b]" for a
// bucket and "[attr=value]" for a group value.
func (s Stratum) String() string {
	switch s.Kind {
	case KindDistance:
		return "[dist:" + s.Value + "]"
	case KindGroup:
		return "[" + s.Attr + "=" + s.Value + "]"
	default:
		return ""
	}
}

// Key is one calibrated scalar
type Key struct {
	Calibrator string
	Stratum    Stratum
	Mode       string
}

// Base returns the plain constant key of a mode
func Base(calibrator, mode string) Key {
	return Key{Calibrator: calibrator, Stratum: Global, Mode: mode}
}

func (k Key) String() string {
	return k.Calibrator + ":" + k.Mode + k.Stratum.String()
}

// ParseKey is the inverse of Key.String
func ParseKey(text string) (Key, error) {
	calib, rest, ok := strings.Cut(text, ":")
	if !ok || calib == "" || rest == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, text)
	}
	k := Key{Calibrator: calib, Stratum: Global}

	open := strings.IndexByte(rest, '[')
	if open < 0 {
		k.Mode = rest
		return k, nil
	}
	if !strings.HasSuffix(rest, "]") || open == 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, text)
	}
	k.Mode = rest[:open]
	inner := rest[open+1 : len(rest)-1]

	if label, found := strings.CutPrefix(inner, "dist:"); found {
		k.Stratum = Distance(label)
		return k, nil
	}
	attr, value, found := strings.Cut(inner, "=")
	if !found || attr == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, text)
	}
	k.Stratum = Group(attr, value)
	return k, nil
}

// ShareAttr names the trial attribute holding the observed share for the key's stratum and mode
func ShareAttr(k Key) string {
	return "share/" + k.String()
}

// ErrorAttr names the trial attribute holding the absolute share error
func ErrorAttr(k Key) string {
	return "error/" + k.String()
}

// MedianDistanceAttr names the attribute holding the median trip distance of a stratum
func MedianDistanceAttr(calibrator string, s Stratum) string {
	return "median_dist/" + calibrator + s.String()
}

// MeanErrorAttr and MaxErrorAttr summarise a calibrator's errors on one trial
func MeanErrorAttr(calibrator string) string { return "mean_error/" + calibrator }
func MaxErrorAttr(calibrator string) string  { return "max_error/" + calibrator }

// WarningsAttr counts the empty strata a calibrator met on one trial
func WarningsAttr(calibrator string) string { return "warnings/" + calibrator }
