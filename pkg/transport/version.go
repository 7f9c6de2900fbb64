package transport

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const versionLogPrefix = "transport:version"

// DefaultVersionConstraint accepts every 1.x envelope.
const DefaultVersionConstraint = "^1.0.0"

// VersionChecker accepts envelope versions satisfying a semver constraint.
type VersionChecker struct {
	raw        string
	constraint *semver.Constraints
}

// NewVersionChecker parses constraint. An empty constraint uses DefaultVersionConstraint.
func NewVersionChecker(constraint string) (*VersionChecker, error) {
	if constraint == "" {
		constraint = DefaultVersionConstraint
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version constraint %q: %w", versionLogPrefix, constraint, err)
	}
	return &VersionChecker{raw: constraint, constraint: c}, nil
}

// Check returns a RequestError with CodeUnsupportedProtocol when version is
// missing, malformed, or outside the constraint.
func (v *VersionChecker) Check(version string) error {
	if version == "" {
		return &RequestError{Code: CodeUnsupportedProtocol, Message: "protocolVersion is required"}
	}
	sv, err := semver.NewVersion(version)
	if err != nil {
		return &RequestError{Code: CodeUnsupportedProtocol, Message: fmt.Sprintf("invalid protocolVersion %q", version)}
	}
	if !v.constraint.Check(sv) {
		return &RequestError{
			Code:    CodeUnsupportedProtocol,
			Message: fmt.Sprintf("protocolVersion %s does not satisfy %s", version, v.raw),
		}
	}
	return nil
}

// Constraint returns the constraint text.
func (v *VersionChecker) Constraint() string { return v.raw }
