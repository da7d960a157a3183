package constants

import (
	"testing"
)

func TestPostGet(t *testing.T) {
	if readOnlyConstants == nil {
		t.Error("Expected readOnlyConstants to be set by init() prior to me")
	}
}

// TestValues tests that at least a few of the constants have been
// initialized. Too tiresome to test them all and obviously of limited
// value.
func TestValues(t *testing.T) {
	consts := Get()
	if len(consts.ProgramName) == 0 {
		t.Error("consts.ProgramName should be set but it's zero length")
	}
	if len(consts.Version) == 0 {
		t.Error("consts.Version should be set but it's zero length")
	}

	if len(consts.DNSDefaultPort) == 0 {
		t.Error("consts.DNSDefaultPort should be set but it's zero length")
	}
	if consts.MinimumViableDNSMessage == 0 {
		t.Error("consts.MinimumViableDNSMessage should be set but it's zero")
	}
	if consts.DNSTruncateThreshold == 0 {
		t.Error("consts.DNSTruncateThreshold should be set but it's zero")
	}

	if len(consts.DefaultResolvedConfPath) == 0 || len(consts.DefaultDropInDir) == 0 || len(consts.DefaultResolvConfPath) == 0 {
		t.Error("consts resolved.conf/drop-in/resolv.conf defaults should be set")
	}
	if consts.DefaultMinWorkers == 0 || consts.DefaultMaxWorkers == 0 || consts.DefaultBacklog == 0 {
		t.Error("consts worker pool defaults should be set")
	}
}
