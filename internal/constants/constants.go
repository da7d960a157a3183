/*
Package constants provides common values used across all dnsflatten packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, "version", consts.Version)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string
	Version     string
	PackageURL  string

	DefaultBindAddress string // Default stub listener address, 127.0.0.53
	DNSDefaultPort     string

	MinimumViableDNSMessage uint // MsgHdr + one Question with zero length name
	DNSTruncateThreshold    int  // UDP responses larger than this are replaced by a minimal TC=1 reply; EDNS0 is not consulted

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.

	DefaultResolvedConfPath string
	DefaultDropInDir        string
	DefaultResolvConfPath   string

	DefaultNegativeCacheTTLSeconds int
	DefaultMaxCacheEntries         int

	DefaultMinWorkers int
	DefaultMaxWorkers int
	DefaultBacklog    int
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "dnsflattend",
		Version:     "v0.1.0",
		PackageURL:  "https://github.com/dnsflatten/dnsflatten",

		DefaultBindAddress: "127.0.0.53",
		DNSDefaultPort:     "53",

		MinimumViableDNSMessage: 17, // A legit binary DNS Message *cannot* be shorter than this
		DNSTruncateThreshold:    512,

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",

		DefaultResolvedConfPath: "/etc/systemd/resolved.conf",
		DefaultDropInDir:        "/etc/systemd/resolved.conf.d",
		DefaultResolvConfPath:   "/etc/resolv.conf",

		DefaultNegativeCacheTTLSeconds: 30,
		DefaultMaxCacheEntries:         10000,

		DefaultMinWorkers: 4,
		DefaultMaxWorkers: 100,
		DefaultBacklog:    1000,
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
