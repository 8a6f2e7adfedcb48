package schedule

import (
	"fmt"

	"github.com/solixplan/solixplan/pkg/types"
)

// DefaultPreset is the appliance load used when nothing else is known.
const DefaultPreset = 100

// DeviceRole selects which unit of a dual system a device value is for.
type DeviceRole int

const (
	DeviceA DeviceRole = iota
	DeviceB
)

func (r DeviceRole) String() string {
	if r == DeviceB {
		return "B"
	}
	return "A"
}

// Preset is the output of an appliance and its split over the devices of a
// dual system. Single unit systems carry the appliance load in DeviceA.
type Preset struct {
	Appliance int                    `json:"appliance"`
	DeviceA   int                    `json:"device_a"`
	DeviceB   int                    `json:"device_b"`
	Mode      types.PowerSettingMode `json:"mode"`
}

// Device returns the share of role.
func (p Preset) Device(role DeviceRole) int {
	if role == DeviceB {
		return p.DeviceB
	}
	return p.DeviceA
}

// PresetRequest carries the values a caller wants to write. Nil values are
// left to the resolution rules.
type PresetRequest struct {
	Appliance *int
	Device    *int
	Role      DeviceRole
}

// PresetLimits are the structural limits of the system.
type PresetLimits struct {
	Dual bool
	// Advanced is set when per-device loads are accepted.
	Advanced  bool
	Min       int
	Max       int
	DeviceMin int
	DeviceMax int
}

func clamp(v, lo, hi int) int {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// NormalPreset splits appliance evenly over the devices.
func NormalPreset(appliance int, lim PresetLimits) Preset {
	appliance = clamp(appliance, lim.Min, lim.Max)
	if !lim.Dual {
		return Preset{Appliance: appliance, DeviceA: appliance, Mode: types.PowerSettingNormal}
	}
	a := appliance / 2
	return Preset{
		Appliance: appliance,
		DeviceA:   a,
		DeviceB:   appliance - a,
		Mode:      types.PowerSettingNormal,
	}
}

// ResolvePreset applies req on top of base.
//
// An appliance value alone gives the normal split. A device value on a
// system accepting per-device loads switches to advanced mode: the other
// device keeps its share, or takes what is left of a given appliance value,
// and the appliance becomes the sum. A device value the system cannot take
// falls back to the normal split and the returned warning wraps
// ErrUnsupportedField. With no values base is kept.
func ResolvePreset(base Preset, req PresetRequest, lim PresetLimits) (Preset, error) {
	if !lim.Dual {
		app := req.Appliance
		if app == nil {
			app = req.Device
		}
		if app == nil {
			return base, nil
		}
		return NormalPreset(*app, lim), nil
	}

	if req.Device == nil {
		if req.Appliance == nil {
			return base, nil
		}
		return NormalPreset(*req.Appliance, lim), nil
	}

	if !lim.Advanced {
		app := base.Appliance
		if req.Appliance != nil {
			app = *req.Appliance
		}
		return NormalPreset(app, lim), fmt.Errorf("%w: per-device preset for device %s", ErrUnsupportedField, req.Role)
	}

	dev := clamp(*req.Device, lim.DeviceMin, lim.DeviceMax)
	other := base.Device(otherRole(req.Role))
	if req.Appliance != nil {
		other = clamp(*req.Appliance-dev, lim.DeviceMin, lim.DeviceMax)
	}
	out := Preset{Mode: types.PowerSettingAdvanced}
	if req.Role == DeviceB {
		out.DeviceA, out.DeviceB = other, dev
	} else {
		out.DeviceA, out.DeviceB = dev, other
	}
	out.Appliance = out.DeviceA + out.DeviceB
	return out, nil
}

func otherRole(r DeviceRole) DeviceRole {
	if r == DeviceB {
		return DeviceA
	}
	return DeviceB
}
