package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MapMode selects how the receiver maps incoming coordinates to its screen.
type MapMode string

const (
	MapRelative   MapMode = "relative"
	MapNormalized MapMode = "normalized"
	MapPreserve   MapMode = "preserve"
)

// ErrInvalidOptions is wrapped by every option validation failure.
var ErrInvalidOptions = errors.New("invalid options")

// Options are the session parameters negotiated in a control request.
// Unknown keys survive decoding so the responder can decline them.
type Options struct {
	Map          MapMode `json:"map"`
	Speed        float64 `json:"speed"`
	Interp       bool    `json:"interp"`
	InterpRateHz int     `json:"interp_rate_hz"`
	InterpStepPx int     `json:"interp_step_px"`
	DeadzonePx   int     `json:"deadzone_px"`

	unknown []string
}

// DefaultOptions mirrors the defaults offered by the device-selection dialog.
func DefaultOptions() Options {
	return Options{
		Map:          MapRelative,
		Speed:        1.0,
		Interp:       false,
		InterpRateHz: 240,
		InterpStepPx: 10,
		DeadzonePx:   1,
	}
}

var knownOptionKeys = map[string]struct{}{
	"map": {}, "speed": {}, "interp": {},
	"interp_rate_hz": {}, "interp_step_px": {}, "deadzone_px": {},
}

// UnmarshalJSON decodes on top of the defaults and records unknown keys.
func (o *Options) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type plain Options
	p := plain(DefaultOptions())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = Options(p)
	o.unknown = nil
	for k := range raw {
		if _, ok := knownOptionKeys[k]; !ok {
			o.unknown = append(o.unknown, k)
		}
	}
	sort.Strings(o.unknown)
	return nil
}

// Unknown returns the option keys this version does not understand.
func (o Options) Unknown() []string {
	return o.unknown
}

// Validate reports the first reason the options cannot be honoured.
func (o Options) Validate() error {
	if len(o.unknown) > 0 {
		return fmt.Errorf("%w: unknown option(s) %s", ErrInvalidOptions, strings.Join(o.unknown, ", "))
	}
	switch o.Map {
	case MapRelative, MapNormalized, MapPreserve:
	default:
		return fmt.Errorf("%w: map mode %q", ErrInvalidOptions, o.Map)
	}
	if o.Speed <= 0 {
		return fmt.Errorf("%w: speed must be positive", ErrInvalidOptions)
	}
	if o.InterpRateHz < 30 {
		return fmt.Errorf("%w: interp_rate_hz below 30", ErrInvalidOptions)
	}
	if o.InterpStepPx < 1 {
		return fmt.Errorf("%w: interp_step_px below 1", ErrInvalidOptions)
	}
	if o.DeadzonePx < 0 {
		return fmt.Errorf("%w: negative deadzone_px", ErrInvalidOptions)
	}
	return nil
}
