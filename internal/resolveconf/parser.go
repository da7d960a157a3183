// Package resolveconf resolves the effective DNS configuration from a resolved.conf-compatible
// file, its drop-in directory, /etc/resolv.conf and networkctl status, following systemd-resolved's
// configuration resolution chain so this daemon can be dropped in as its stub listener replacement.
//
// The plain-field override hook for /etc/resolv.conf's path (Parser.ResolvConfPath) mirrors the
// teacher's own local.Config.ResolvConfPath field rather than the subclassing the original source
// uses for the same purpose.
package resolveconf

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dnsflatten/dnsflatten/internal/constants"
	"github.com/dnsflatten/dnsflatten/internal/dnslog"
)

const me = "resolveconf"

// Configuration is the fully-resolved, effective configuration - accumulating keys are flattened
// to plain string slices, scalar keys to plain fields. Every DNS/FallbackDNS/DNSStubListenerExtra
// entry is stored as a "host:port" endpoint (see ParseEndpoint), so downstream packages never have
// to re-split a bare host from an optional port.
type Configuration struct {
	DNS                  []string
	FallbackDNS          []string
	DNSStubListenerExtra []string
	Cache                bool
	DNSStubListener      bool
	BindAddress          string
}

// Parser resolves a Configuration from a main config file, its drop-in directory, and - only if
// DNS remains unset after parsing - /etc/resolv.conf and networkctl status.
type Parser struct {
	ConfPath       string // default /etc/systemd/resolved.conf
	DropInDir      string // default /etc/systemd/resolved.conf.d
	ResolvConfPath string // default /etc/resolv.conf - overridden by tests

	// NetworkctlFunc runs "networkctl status" and returns its stdout. Tests override this to
	// avoid spawning a real subprocess. Production uses runNetworkctl.
	NetworkctlFunc func() (string, error)
}

// NewParser constructs a Parser with the systemd-resolved default paths.
func NewParser() *Parser {
	consts := constants.Get()
	return &Parser{
		ConfPath:       consts.DefaultResolvedConfPath,
		DropInDir:      consts.DefaultDropInDir,
		ResolvConfPath: consts.DefaultResolvConfPath,
		NetworkctlFunc: runNetworkctl,
	}
}

// Resolve runs the full chain: parse the main file, merge drop-ins in lexicographic order, then -
// if DNS is still empty - discover it via networkctl, then /etc/resolv.conf, then fallback
// promotion. It returns an error if the main file (other than a missing one), the drop-in
// directory, a drop-in file or /etc/resolv.conf cannot be read, or if no DNS server can be
// determined by any of those means.
func (p *Parser) Resolve() (*Configuration, error) {
	consts := constants.Get()
	cfg := &Configuration{
		Cache:           true,
		DNSStubListener: true,
		BindAddress:     consts.DefaultBindAddress,
	}

	if err := p.mergeFile(cfg, p.ConfPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", me, err)
	}

	dropins, err := p.dropInFiles()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", me, err)
	}
	for _, path := range dropins {
		if err := p.mergeFile(cfg, path); err != nil {
			return nil, fmt.Errorf("%s: %w", me, err)
		}
	}

	if len(cfg.DNS) == 0 {
		if err := p.discoverDNS(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// dropInFiles returns the *.conf files under DropInDir sorted lexicographically by filename, or
// an empty slice if the directory does not exist.
func (p *Parser) dropInFiles() ([]string, error) {
	entries, err := os.ReadDir(p.DropInDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for ix, name := range names {
		paths[ix] = filepath.Join(p.DropInDir, name)
	}
	return paths, nil
}

// mergeFile parses a single INI-style file and merges its [Resolve] section into cfg. Accumulating
// keys (DNS, FallbackDNS, DNSStubListenerExtra) append; scalar keys (Cache, DNSStubListener,
// BindAddress) overwrite.
func (p *Parser) mergeFile(cfg *Configuration, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	inResolveSection := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section := strings.TrimSpace(line[1 : len(line)-1])
			inResolveSection = strings.EqualFold(section, "Resolve")
			continue
		}

		if !inResolveSection {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		p.applyKey(cfg, path, key, value)
	}

	return scanner.Err()
}

func (p *Parser) applyKey(cfg *Configuration, path, key, value string) {
	switch key {
	case "DNS":
		cfg.DNS = append(cfg.DNS, splitEndpoints(value)...)
	case "FallbackDNS":
		cfg.FallbackDNS = append(cfg.FallbackDNS, splitEndpoints(value)...)
	case "DNSStubListenerExtra":
		cfg.DNSStubListenerExtra = append(cfg.DNSStubListenerExtra, splitEndpoints(value)...)
	case "Cache":
		if value != "" {
			cfg.Cache = parseBool(value)
		}
	case "DNSStubListener":
		if value != "" {
			cfg.DNSStubListener = parseBool(value)
		}
	case "BindAddress":
		if value != "" {
			cfg.BindAddress = value
		}
	default:
		dnslog.Log.WithFields(logrus.Fields{"file": path, "key": key}).
			Warn(me + ": unrecognized key, ignoring")
	}
}

// splitEndpoints whitespace-splits a value and normalizes each token to a "host:port" endpoint.
func splitEndpoints(value string) []string {
	fields := strings.Fields(value)
	endpoints := make([]string, 0, len(fields))
	for _, f := range fields {
		host, port := ParseEndpoint(f)
		endpoints = append(endpoints, net.JoinHostPort(host, port))
	}
	return endpoints
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}

// ParseEndpoint splits s into (host, port) per the resolved.conf endpoint syntax: a bracketed
// "[host]" or "[host]:port" form, a bare IPv6 address (more than one colon, no port), a
// "host:port" form (exactly one colon), or a bare host (default port 53).
func ParseEndpoint(s string) (host, port string) {
	consts := constants.Get()
	defaultPort := consts.DNSDefaultPort

	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return s, defaultPort
		}
		host = s[1:end]
		rest := s[end+1:]
		if strings.HasPrefix(rest, ":") {
			return host, rest[1:]
		}
		return host, defaultPort
	}

	if strings.Count(s, ":") > 1 {
		return s, defaultPort // bare IPv6, no port possible without brackets
	}

	if strings.Count(s, ":") == 1 {
		host, port, _ = strings.Cut(s, ":")
		return host, port
	}

	return s, defaultPort
}

// discoverDNS implements the resolution chain used when no DNS= entry was found in any
// configuration file: networkctl status, then /etc/resolv.conf, then fallback promotion, and
// finally a hard failure if nothing was discovered.
func (p *Parser) discoverDNS(cfg *Configuration) error {
	if p.NetworkctlFunc != nil {
		if out, err := p.NetworkctlFunc(); err == nil {
			cfg.DNS = append(cfg.DNS, parseNetworkctlDNS(out)...)
		} else {
			dnslog.Log.WithFields(logrus.Fields{"error": err}).
				Debug(me + ": networkctl status failed, falling back to /etc/resolv.conf")
		}
	}

	if len(cfg.DNS) == 0 {
		entries, err := p.parseResolvConf()
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", me, err)
		}
		cfg.DNS = append(cfg.DNS, entries...)
	}

	if len(cfg.DNS) == 0 && len(cfg.FallbackDNS) > 0 {
		promoted := cfg.FallbackDNS[0]
		cfg.DNS = append(cfg.DNS, promoted)
		dnslog.Log.Warnf("%s: No DNS configured. Using first FallbackDNS (%s) as primary DNS.", me, promoted)
	}

	if len(cfg.DNS) == 0 {
		return fmt.Errorf("%s: no DNS servers configured and none could be discovered", me)
	}

	return nil
}

// parseResolvConf reads "nameserver" lines from ResolvConfPath, skipping loopback addresses
// (127.0.0.0/8 and ::1) since those are almost always this daemon's own stub listener.
func (p *Parser) parseResolvConf() ([]string, error) {
	f, err := os.Open(p.ResolvConfPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var servers []string
	consts := constants.Get()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "nameserver") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		addr := fields[1]
		if isLoopback(addr) {
			continue
		}
		servers = append(servers, net.JoinHostPort(addr, consts.DNSDefaultPort))
	}

	return servers, scanner.Err()
}

func isLoopback(addr string) bool {
	if addr == "::1" {
		return true
	}
	fields := strings.SplitN(addr, ".", 2)
	if len(fields) != 2 {
		return false
	}
	first, err := strconv.Atoi(fields[0])
	return err == nil && first == 127
}
