package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// VersionError reports a config file this build cannot read.
type VersionError struct {
	Version int
	Current int
	Newer   bool
}

func (e *VersionError) Error() string {
	if e.Newer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade relay", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is unsupported (current: %d); regenerate with `relay config init --force`", e.Version, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	switch {
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Newer: true}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
