package config

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
)

// CurrentSchemaVersion is written by Save and by regiongc-config init
const CurrentSchemaVersion = "1.0.0"

// SupportedSchemas is the range of schema versions this build understands
const SupportedSchemas = ">=1.0.0, <2.0.0"

var supportedConstraint = mustConstraint(SupportedSchemas)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CheckSchemaVersion rejects configuration files written for an
// incompatible schema. An empty version is treated as current.
func CheckSchemaVersion(v string) error {
	if v == "" {
		return nil
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return gcerrors.InvalidOption("schema_version", v, "not a semantic version")
	}
	if !supportedConstraint.Check(ver) {
		return gcerrors.InvalidOption("schema_version", v, fmt.Sprintf("unsupported, need %s", SupportedSchemas))
	}
	return nil
}
