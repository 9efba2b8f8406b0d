package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// VersionError describes a configuration version this build cannot read.
type VersionError struct {
	Version int
	Current int
	Newer   bool
}

func (e *VersionError) Error() string {
	if e.Newer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade turnengine", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (current: %d); compare the file with `turnengine config schema`", e.Version, e.Current)
}

// ValidateVersion ensures the config version is supported. Files that omit
// the version inherit CurrentVersion from the defaults.
func ValidateVersion(version int) error {
	switch {
	case version == CurrentVersion:
		return nil
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Newer: true}
	default:
		return &VersionError{Version: version, Current: CurrentVersion}
	}
}
