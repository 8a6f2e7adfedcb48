package ess

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solixplan/solixplan/pkg/types"
)

//go:embed profiles.yaml
var defaultProfilesYAML []byte

// ErrUnknownModel is returned for device models without a capability
// profile.
var ErrUnknownModel = errors.New("unknown device model")

// Profiles holds the capabilities of every known device model.
type Profiles struct {
	byModel map[string]types.Capabilities
}

type profilesFile struct {
	Profiles []types.Capabilities `yaml:"profiles"`
}

// DefaultProfiles returns the built in profiles.
func DefaultProfiles() *Profiles {
	p, err := ParseProfiles(bytes.NewReader(defaultProfilesYAML))
	if err != nil {
		panic(fmt.Sprintf("invalid built in capability profiles: %v", err))
	}
	return p
}

// ParseProfiles reads a profiles YAML document.
func ParseProfiles(r io.Reader) (*Profiles, error) {
	var f profilesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode capability profiles: %w", err)
	}
	p := &Profiles{byModel: make(map[string]types.Capabilities, len(f.Profiles))}
	for _, c := range f.Profiles {
		if err := validateProfile(c); err != nil {
			return nil, err
		}
		if _, ok := p.byModel[c.Model]; ok {
			return nil, fmt.Errorf("duplicate capability profile: %s", c.Model)
		}
		p.byModel[c.Model] = c
	}
	return p, nil
}

// LoadProfilesFile reads a profiles YAML file.
func LoadProfilesFile(path string) (*Profiles, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capability profiles: %w", err)
	}
	defer f.Close()
	return ParseProfiles(f)
}

func validateProfile(c types.Capabilities) error {
	switch {
	case c.Model == "":
		return errors.New("capability profile without model")
	case c.Generation < 1:
		return fmt.Errorf("profile %s: invalid generation %d", c.Model, c.Generation)
	case c.PresetStep <= 0:
		return fmt.Errorf("profile %s: preset step must be positive", c.Model)
	case c.PresetMin > c.PresetDefault || c.PresetDefault > c.PresetMax:
		return fmt.Errorf("profile %s: preset default %d outside [%d, %d]", c.Model, c.PresetDefault, c.PresetMin, c.PresetMax)
	case c.Gen1() && len(c.UsageModes) > 0:
		return fmt.Errorf("profile %s: generation 1 has no usage modes", c.Model)
	case !c.Gen1() && !c.SupportsMode(types.UsageModeManual):
		return fmt.Errorf("profile %s: manual usage mode is required", c.Model)
	}
	return nil
}

// Merge overrides and adds the profiles of o.
func (p *Profiles) Merge(o *Profiles) {
	for model, c := range o.byModel {
		p.byModel[model] = c
	}
}

// Get returns the capabilities of the model.
func (p *Profiles) Get(model string) (types.Capabilities, error) {
	c, ok := p.byModel[strings.ToUpper(strings.TrimSpace(model))]
	if !ok {
		return types.Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	c.UsageModes = slices.Clone(c.UsageModes)
	return c, nil
}

// List returns all profiles sorted by model.
func (p *Profiles) List() []types.Capabilities {
	out := make([]types.Capabilities, 0, len(p.byModel))
	for _, model := range slices.Sorted(maps.Keys(p.byModel)) {
		out = append(out, p.byModel[model])
	}
	return out
}
