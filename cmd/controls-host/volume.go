package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ============================================================================
// Volume Model
// ============================================================================
// Three ways of saying "how loud": decibel, linear voltage and a fraction of
// the device range. Everything converts through linear voltage.
//
//   db    = 20 * log10(volts)
//   volts = 10 ^ (db / 20)
//
// Fractions interpolate in the linear-voltage domain between the range floor
// and ceiling, not in decibels.
// ============================================================================

// ErrInvalidRange is returned when a device reports an inconsistent volume range.
var ErrInvalidRange = errors.New("invalid volume range")

// VolumeRange is the native dB range reported by a volume endpoint.
type VolumeRange struct {
	MinDB  float64 `json:"min_db"`
	MaxDB  float64 `json:"max_db"`
	StepDB float64 `json:"step_db"`
}

// Validate checks max >= min and 0 <= step <= (max - min).
func (r VolumeRange) Validate() error {
	if math.IsNaN(r.MinDB) || math.IsNaN(r.MaxDB) || math.IsNaN(r.StepDB) {
		return fmt.Errorf("%w: NaN bound", ErrInvalidRange)
	}
	if r.MaxDB < r.MinDB {
		return fmt.Errorf("%w: max_db %.2f < min_db %.2f", ErrInvalidRange, r.MaxDB, r.MinDB)
	}
	if r.StepDB < 0 || r.StepDB > r.MaxDB-r.MinDB {
		return fmt.Errorf("%w: step_db %.2f outside [0, %.2f]", ErrInvalidRange, r.StepDB, r.MaxDB-r.MinDB)
	}
	return nil
}

// linearBounds returns the range expressed in linear voltage.
func (r VolumeRange) linearBounds() (lo, hi float64) {
	return dbToLinear(r.MinDB), dbToLinear(r.MaxDB)
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// linearToDB maps volts <= 0 to -Inf, which the clamps turn into the floor.
func linearToDB(volts float64) float64 {
	if volts <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(volts)
}

func lerp(t, lo, hi float64) float64 {
	return t*(hi-lo) + lo
}

func invLerp(v, lo, hi float64) float64 {
	return (v - lo) / (hi - lo)
}

// clampFloat clamps v into [lo, hi]; NaN goes to lo.
func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// VolumeUnit tags a VolumeLevel.
type VolumeUnit int

const (
	UnitLog VolumeUnit = iota
	UnitLin
	UnitFrac
)

func (u VolumeUnit) String() string {
	switch u {
	case UnitLog:
		return "Log"
	case UnitLin:
		return "Lin"
	case UnitFrac:
		return "Frac"
	default:
		return fmt.Sprintf("VolumeUnit(%d)", int(u))
	}
}

// VolumeLevel is a desired loudness in one of three units.
type VolumeLevel struct {
	Unit  VolumeUnit
	Value float64
}

func VolumeLog(db float64) VolumeLevel { return VolumeLevel{Unit: UnitLog, Value: db} }
func VolumeLin(volts float64) VolumeLevel { return VolumeLevel{Unit: UnitLin, Value: volts} }
func VolumeFrac(ratio float64) VolumeLevel { return VolumeLevel{Unit: UnitFrac, Value: ratio} }

func (l VolumeLevel) String() string {
	switch l.Unit {
	case UnitLog:
		return fmt.Sprintf("%gdB", l.Value)
	case UnitLin:
		return fmt.Sprintf("%gV", l.Value)
	default:
		return fmt.Sprintf("%g", l.Value)
	}
}

// unclampedLinear converts the level to linear voltage without clamping.
func (l VolumeLevel) unclampedLinear(r VolumeRange) float64 {
	switch l.Unit {
	case UnitLog:
		return dbToLinear(l.Value)
	case UnitLin:
		return l.Value
	default:
		lo, hi := r.linearBounds()
		return lerp(l.Value, lo, hi)
	}
}

// ToDecibel returns a device-ready dB value clamped to [MinDB, MaxDB].
func ToDecibel(l VolumeLevel, r VolumeRange) float64 {
	var db float64
	if l.Unit == UnitLog {
		db = l.Value
	} else {
		db = linearToDB(l.unclampedLinear(r))
	}
	return clampFloat(db, r.MinDB, r.MaxDB)
}

// ToLinear returns linear voltage clamped to the linear equivalents of the range.
func ToLinear(l VolumeLevel, r VolumeRange) float64 {
	lo, hi := r.linearBounds()
	return clampFloat(l.unclampedLinear(r), lo, hi)
}

// ToFraction returns the position of the level within the range, clamped to [0, 1].
func ToFraction(l VolumeLevel, r VolumeRange) float64 {
	if l.Unit == UnitFrac {
		return clampFloat(l.Value, 0, 1)
	}
	lo, hi := r.linearBounds()
	v := l.unclampedLinear(r)
	if hi == lo {
		if v >= hi {
			return 1
		}
		return 0
	}
	return clampFloat(invLerp(v, lo, hi), 0, 1)
}

// MarshalJSON encodes the level externally tagged: {"Frac":0.5}.
func (l VolumeLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]float64{l.Unit.String(): l.Value})
}

// UnmarshalJSON accepts {"Log":db}, {"Lin":volts} or {"Frac":ratio}.
func (l *VolumeLevel) UnmarshalJSON(data []byte) error {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return fmt.Errorf("volume level: %w", err)
	}
	var v float64
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("volume level %s: %w", tag, err)
	}
	switch tag {
	case "Log":
		*l = VolumeLog(v)
	case "Lin":
		*l = VolumeLin(v)
	case "Frac":
		*l = VolumeFrac(v)
	default:
		return fmt.Errorf("volume level: unknown unit %q", tag)
	}
	return nil
}
