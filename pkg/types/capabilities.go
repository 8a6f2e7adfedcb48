package types

import "slices"

// Capabilities describes what a device model structurally supports. They are
// loaded from the capability profiles and drive the preset and usage mode
// fallbacks of the schedule engine.
type Capabilities struct {
	Model      string `yaml:"model" json:"model"`
	Name       string `yaml:"name" json:"name"`
	Generation int    `yaml:"generation" json:"generation"`

	// AdvancedPreset is set when the firmware accepts per-device loads.
	AdvancedPreset    bool        `yaml:"advancedPreset" json:"advancedPreset"`
	PriorityDischarge bool        `yaml:"priorityDischarge" json:"priorityDischarge"`
	UsageModes        []UsageMode `yaml:"usageModes" json:"usageModes"`

	PresetMin     int `yaml:"presetMin" json:"presetMin"`
	PresetMax     int `yaml:"presetMax" json:"presetMax"`
	PresetDefault int `yaml:"presetDefault" json:"presetDefault"`
	PresetStep    int `yaml:"presetStep" json:"presetStep"`
	DeviceMin     int `yaml:"deviceMin" json:"deviceMin"`
	DeviceMax     int `yaml:"deviceMax" json:"deviceMax"`

	ChargePriorityDefault int `yaml:"chargePriorityDefault" json:"chargePriorityDefault"`
}

// SupportsMode reports whether the usage mode can be selected on the device.
func (c Capabilities) SupportsMode(m UsageMode) bool {
	return slices.Contains(c.UsageModes, m)
}

// Gen1 reports whether the device uses the single daily range list.
func (c Capabilities) Gen1() bool {
	return c.Generation <= 1
}
