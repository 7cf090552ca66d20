// ABOUTME: Messaging addresses of the form scheme:agent@host[/resource]
// ABOUTME: Bare addresses drop the resource and identify an agent's inbox

package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultScheme is used when no scheme is configured.
const DefaultScheme = "xmpp"

// ErrInvalidAddress indicates a string that is not scheme:agent@host[/resource].
var ErrInvalidAddress = errors.New("invalid messaging address")

// Address identifies an endpoint on a messaging network.
type Address struct {
	Scheme   string
	Agent    string
	Host     string
	Resource string
}

// ParseAddress parses scheme:agent@host[/resource]. Scheme and host are
// case-insensitive and normalized to lower case.
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" {
		return Address{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidAddress, s)
	}
	rest = strings.TrimPrefix(rest, "//")

	agent, hostPart, ok := strings.Cut(rest, "@")
	if !ok || agent == "" {
		return Address{}, fmt.Errorf("%w: %q has no agent", ErrInvalidAddress, s)
	}
	host, resource, _ := strings.Cut(hostPart, "/")
	if host == "" {
		return Address{}, fmt.Errorf("%w: %q has no host", ErrInvalidAddress, s)
	}

	return Address{
		Scheme:   strings.ToLower(scheme),
		Agent:    agent,
		Host:     strings.ToLower(host),
		Resource: resource,
	}, nil
}

// Bare returns the address without its resource.
func (a Address) Bare() Address {
	a.Resource = ""
	return a
}

// String formats the address.
func (a Address) String() string {
	s := a.Scheme + ":" + a.Agent + "@" + a.Host
	if a.Resource != "" {
		s += "/" + a.Resource
	}
	return s
}
