// Package version holds build and protocol version information.
package version

import "fmt"

// Version is the daemon version, overridable at build time with -ldflags.
var Version = "1.1.0"

// GitCommit is the git commit the binary was built from.
var GitCommit = "unknown"

// Protocol version advertised in the connection greeting. Bumped only on
// wire-visible changes.
const (
	ProtocolMajor    = 1
	ProtocolMinor    = 1
	ProtocolRevision = 0
)

// Greeting returns the banner sent to every client on connect.
func Greeting() string {
	return fmt.Sprintf("BRICKD VERSION %d.%d.%d", ProtocolMajor, ProtocolMinor, ProtocolRevision)
}
