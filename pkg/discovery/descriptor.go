// Package discovery keeps the registry of locally reachable invocation
// endpoints and publishes module availability into it.
package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/morezero/component-dispatcher/pkg/deployment"
)

// Descriptor constants for locally deployed modules.
const (
	AbstractType          = "component-invocation"
	AbstractTypeAuthority = "morezero"
	LocalURI              = "local"
)

// Attribute names, most general first.
const (
	AttrApp            = "component-app"
	AttrModule         = "component-module"
	AttrDistinct       = "component-distinct"
	AttrAppDistinct    = "component-app-distinct"
	AttrModuleDistinct = "component-module-distinct"
)

// ServiceURL describes a discoverable endpoint.
type ServiceURL struct {
	URI                   string              `json:"uri"`
	AbstractType          string              `json:"abstractType"`
	AbstractTypeAuthority string              `json:"abstractTypeAuthority"`
	Attributes            map[string][]string `json:"attributes"`
}

// DescriptorFor builds the local descriptor of a module.
func DescriptorFor(id deployment.Identity) ServiceURL {
	u := ServiceURL{
		URI:                   LocalURI,
		AbstractType:          AbstractType,
		AbstractTypeAuthority: AbstractTypeAuthority,
		Attributes:            make(map[string][]string),
	}
	if id.App != "" {
		u.add(AttrApp, id.App)
	}
	u.add(AttrModule, id.App+"/"+id.Module)
	if id.Distinct != "" {
		u.add(AttrDistinct, id.Distinct)
		if id.App != "" {
			u.add(AttrAppDistinct, id.App+"/"+id.Distinct)
		}
		u.add(AttrModuleDistinct, id.App+"/"+id.Module+"/"+id.Distinct)
	}
	return u
}

func (u *ServiceURL) add(name, value string) {
	u.Attributes[name] = append(u.Attributes[name], value)
}

// Attribute returns the values of an attribute.
func (u ServiceURL) Attribute(name string) []string {
	return u.Attributes[name]
}

// Matches reports whether every filter attribute has the requested value.
func (u ServiceURL) Matches(f Filter) bool {
	for name, want := range f {
		found := false
		for _, v := range u.Attributes[name] {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// String renders the descriptor as service:type.authority:uri;attr=v1,v2.
func (u ServiceURL) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service:%s.%s:%s", u.AbstractType, u.AbstractTypeAuthority, u.URI)
	names := make([]string, 0, len(u.Attributes))
	for n := range u.Attributes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&b, ";%s=%s", n, strings.Join(u.Attributes[n], ","))
	}
	return b.String()
}

// Filter selects descriptors by attribute value.
type Filter map[string]string
