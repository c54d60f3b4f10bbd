package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion identifies the full protocol a session speaks, in the form
// "ns:server.major.minor". The server component gates compatibility; major
// and minor belong to the drawing payload, which the server does not
// interpret.
type ProtocolVersion struct {
	Namespace string
	Server    int
	Major     int
	Minor     int
}

// ParseProtocolVersion parses a "ns:server.major.minor" string.
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	ns, rest, ok := strings.Cut(s, ":")
	if !ok || ns == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid protocol version %q", s)
	}
	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return ProtocolVersion{}, fmt.Errorf("invalid protocol version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return ProtocolVersion{}, fmt.Errorf("invalid protocol version %q", s)
		}
		nums[i] = n
	}
	return ProtocolVersion{Namespace: ns, Server: nums[0], Major: nums[1], Minor: nums[2]}, nil
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%s:%d.%d.%d", v.Namespace, v.Server, v.Major, v.Minor)
}

// IsValid reports whether the version was parsed from a well-formed string.
func (v ProtocolVersion) IsValid() bool {
	return v.Namespace != ""
}

// IsCompatibleWith reports whether a client speaking v can attach to a
// session speaking other.
func (v ProtocolVersion) IsCompatibleWith(other ProtocolVersion) bool {
	return v.Namespace == other.Namespace && v.Server == other.Server
}

// IsAtLeast reports whether v is the same or a newer protocol than other
// within the same namespace.
func (v ProtocolVersion) IsAtLeast(other ProtocolVersion) bool {
	if v.Namespace != other.Namespace {
		return false
	}
	if v.Server != other.Server {
		return v.Server > other.Server
	}
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}
