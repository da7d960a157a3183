package resolveconf

import (
	"net"
	"os/exec"
	"strings"
)

// runNetworkctl runs "networkctl status" and returns its stdout (stderr is not captured). Production
// NetworkctlFunc; tests substitute a canned string instead of spawning a real subprocess.
func runNetworkctl() (string, error) {
	out, err := exec.Command("networkctl", "status").Output()
	return string(out), err
}

// parseNetworkctlDNS scans networkctl status output for "DNS:" lines and accumulates every
// non-localhost address found, across as many continuation lines as networkctl emits (addresses
// after the first appear on their own indented line with no further "DNS:" prefix).
func parseNetworkctlDNS(output string) []string {
	var servers []string
	inDNSBlock := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)

		if idx := strings.Index(trimmed, "DNS:"); idx == 0 {
			inDNSBlock = true
			trimmed = strings.TrimSpace(trimmed[len("DNS:"):])
		} else if inDNSBlock && trimmed != "" && looksLikeAddress(trimmed) {
			// A bare-address continuation line for the same DNS: block.
		} else {
			inDNSBlock = false
			continue
		}

		if trimmed == "" {
			continue
		}

		for _, addr := range strings.Fields(trimmed) {
			if isLoopback(addr) || addr == "::1" {
				continue
			}
			servers = append(servers, net.JoinHostPort(addr, "53"))
		}
	}

	return servers
}

// looksLikeAddress is a conservative heuristic for "this line is an address, not the next
// networkctl field" - addresses contain only hex digits, dots, and colons.
func looksLikeAddress(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F' || r == '.' || r == ':') {
			return false
		}
	}
	return true
}
