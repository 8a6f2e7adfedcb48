package ess

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the ESS Map from flags.
func Configured() *Map {
	baseURL := lflag.String("anker-base-url", defaultAnkerBaseURL, "Base URL of the Anker power cloud API")
	timeout := lflag.Duration("anker-timeout", 0, "Timeout of Anker cloud requests (0 uses the default)")
	profilesPath := lflag.String("capability-profiles", "", "YAML file adding to or overriding the built in device capability profiles")

	m := NewMap(Config{})

	lflag.Do(func() {
		m.cfg.AnkerBaseURL = *baseURL
		if *timeout > 0 {
			m.cfg.AnkerTimeout = *timeout
		}
		if *profilesPath != "" {
			extra, err := LoadProfilesFile(*profilesPath)
			if err != nil {
				panic(fmt.Sprintf("capability profiles: %v", err))
			}
			m.cfg.Profiles.Merge(extra)
		}
	})

	return m
}
