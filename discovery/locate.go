package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Server is one transfer server found on the local network.
type Server struct {
	Instance    string
	Fingerprint string
	Version     int
	HostName    string
	Port        int
	Addresses   []string
}

// Address returns a dialable host:port, preferring the first IP address.
func (s Server) Address() string {
	host := strings.TrimSuffix(s.HostName, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Locate browses for transfer servers for one scan window and returns every
// server seen, sorted by instance name.
func Locate(ctx context.Context, config Config) ([]Server, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Server)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				server, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[server.Instance] = server
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means the scan window ended naturally.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Server, 0, len(collected))
	for _, server := range collected {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Server, bool) {
	if entry.Port <= 0 {
		return Server{}, false
	}
	txt := txtToMap(entry.Text)

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" && len(addresses) == 0 {
		return Server{}, false
	}

	return Server{
		Instance:    name,
		Fingerprint: txt[txtFingerprint],
		Version:     version,
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
