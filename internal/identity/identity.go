// Package identity defines the (publisher, name, version) triple that
// identifies a plugin throughout the core, per §3.
package identity

import (
	"fmt"

	"github.com/blang/semver"
)

// Identity is a fully resolved plugin identity.
type Identity struct {
	Publisher string
	Name      string
	Version   semver.Version
}

// RoutingKey is the (publisher, name) pair used to address a plugin on
// the wire, independent of which version was resolved.
type RoutingKey struct {
	Publisher string
	Name      string
}

func (r RoutingKey) String() string { return r.Publisher + "/" + r.Name }

// Key returns the identity's routing key.
func (id Identity) Key() RoutingKey {
	return RoutingKey{Publisher: id.Publisher, Name: id.Name}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s@%s", id.Publisher, id.Name, id.Version.String())
}

// ParseRoutingKey splits a "publisher/name" string into its parts.
func ParseRoutingKey(s string) (RoutingKey, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			pub, name := s[:i], s[i+1:]
			if pub == "" || name == "" {
				break
			}
			return RoutingKey{Publisher: pub, Name: name}, nil
		}
	}
	return RoutingKey{}, fmt.Errorf("identity: %q is not a valid publisher/name pair", s)
}
