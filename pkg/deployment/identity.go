// Package deployment models deployed modules, the components they expose for
// remote invocation, and the index the invocation dispatcher resolves against.
package deployment

import "fmt"

// Identity uniquely identifies a deployed module. Distinct may be empty.
type Identity struct {
	App      string `json:"app"`
	Module   string `json:"module"`
	Distinct string `json:"distinct,omitempty"`
}

// NewIdentity creates a module identity.
func NewIdentity(app, module, distinct string) Identity {
	return Identity{App: app, Module: module, Distinct: distinct}
}

// String returns app/module or app/module/distinct.
func (id Identity) String() string {
	if id.Distinct == "" {
		return fmt.Sprintf("%s/%s", id.App, id.Module)
	}
	return fmt.Sprintf("%s/%s/%s", id.App, id.Module, id.Distinct)
}
