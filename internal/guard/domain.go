// Package guard implements the SSRF/domain blocklist (C12) that the
// dispatcher applies to caller-supplied URLs (storage-state restore does
// not consult it), plus the process-wide PID registry for coordinating
// multiple brokers on distinct debug ports.
package guard

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"github.com/browserkit/broker/internal/types"
)

var allowedSchemes = map[string]bool{"http": true, "https": true}

// cloud metadata endpoints that must never be reachable through a
// broker-controlled navigation, regardless of blocklist configuration.
var blockedMetadataHosts = map[string]bool{
	"169.254.169.254": true, // AWS, GCP, Azure IMDS
	"metadata.google.internal": true,
	"metadata.azure.com":       true,
}

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("guard: invalid builtin CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// blocklistFile is the on-disk shape of a hot-reloadable domain blocklist.
type blocklistFile struct {
	Hosts []string `yaml:"hosts"`
}

// DomainGuard validates a URL against the built-in SSRF protections plus an
// operator-supplied, hot-reloadable host blocklist.
type DomainGuard struct {
	mu      sync.RWMutex
	hosts   map[string]bool
	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewDomainGuard loads the blocklist at path, if any, and watches it for
// changes. An empty path disables the file-backed part of the guard; the
// builtin metadata/private-range protections always apply.
func NewDomainGuard(path string) (*DomainGuard, error) {
	g := &DomainGuard{hosts: make(map[string]bool), path: path}

	if path == "" {
		return g, nil
	}
	if err := g.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("guard: cannot watch blocklist file, hot reload disabled")
		watcher.Close()
		return g, nil
	}
	g.watcher = watcher
	g.stopCh = make(chan struct{})
	go g.watchLoop()
	return g, nil
}

func (g *DomainGuard) reload() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return err
	}
	var file blocklistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("guard: parse blocklist %s: %w", g.path, err)
	}

	hosts := make(map[string]bool, len(file.Hosts))
	for _, h := range file.Hosts {
		hosts[strings.ToLower(h)] = true
	}

	g.mu.Lock()
	g.hosts = hosts
	g.mu.Unlock()
	log.Info().Int("hosts", len(hosts)).Str("path", g.path).Msg("guard: blocklist reloaded")
	return nil
}

func (g *DomainGuard) watchLoop() {
	for {
		select {
		case <-g.stopCh:
			return
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := g.reload(); err != nil {
					log.Warn().Err(err).Msg("guard: blocklist reload failed")
				}
			}
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("guard: blocklist watcher error")
		}
	}
}

// Close stops the file watcher, if any.
func (g *DomainGuard) Close() error {
	if g.watcher == nil {
		return nil
	}
	close(g.stopCh)
	return g.watcher.Close()
}

// Check validates rawURL's scheme and host against the builtin SSRF
// protections and the configured blocklist. Hostnames are not resolved:
// the private-range checks apply only to hosts written as IP literals.
func (g *DomainGuard) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return types.NewDomainBlockedError(rawURL, "unparseable URL")
	}
	if !allowedSchemes[u.Scheme] {
		return types.NewDomainBlockedError(u.Host, fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}

	host := u.Hostname()
	normalized, err := normalizeHost(host)
	if err != nil {
		return types.NewDomainBlockedError(host, "invalid hostname")
	}

	if blockedMetadataHosts[normalized] {
		return types.NewDomainBlockedError(host, "cloud metadata endpoint")
	}

	if normalized == "localhost" || strings.HasSuffix(normalized, ".localhost") {
		return types.NewDomainBlockedError(host, "loopback hostname")
	}

	if ip := net.ParseIP(normalized); ip != nil {
		for _, r := range privateRanges {
			if r.Contains(ip) {
				return types.NewDomainBlockedError(host, "private/loopback address range")
			}
		}
	}

	g.mu.RLock()
	blocked := g.hosts[normalized]
	g.mu.RUnlock()
	if blocked {
		return types.NewDomainBlockedError(host, "configured blocklist")
	}

	if etld, err := publicsuffix.EffectiveTLDPlusOne(normalized); err == nil {
		g.mu.RLock()
		blocked = g.hosts[etld]
		g.mu.RUnlock()
		if blocked {
			return types.NewDomainBlockedError(host, "configured blocklist (registrable domain)")
		}
	}

	return nil
}

func normalizeHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", err
	}
	return ascii, nil
}
