package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectInvocation    = "dispatch.invoke.v1"
	SubjectSessionOpen   = "dispatch.session.v1"
	SubjectEndpointEvent = "discovery.endpoint"
)

// BuildEndpointSubject builds a granular endpoint event subject.
func BuildEndpointSubject(eventType, app, module string) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectEndpointEvent, eventType, subjectToken(app), subjectToken(module))
}

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
