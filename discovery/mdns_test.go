package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		Instance:    "filehub-main",
		Port:        8000,
		Fingerprint: "abcd1234",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "filehub-main" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 8000 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "fingerprint=abcd1234")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatal("register should not be called for invalid config")
		return nil, nil
	}

	if _, err := StartBroadcaster(Config{Port: 8000, registerFn: register}); err == nil {
		t.Fatal("expected missing instance to fail")
	}
	if _, err := StartBroadcaster(Config{Instance: "x", registerFn: register}); err == nil {
		t.Fatal("expected missing port to fail")
	}
}

func TestLocateCollectsServers(t *testing.T) {
	cfg := Config{
		ScanTimeout: 100 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service browsed: %q", service)
			}
			go func() {
				b := zeroconf.NewServiceEntry("hub-b", service, domain)
				b.Port = 9001
				b.HostName = "b.local."
				b.Text = []string{"version=1", "fingerprint=bbbb"}

				a := zeroconf.NewServiceEntry("hub-a", service, domain)
				a.Port = 9000
				a.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20"), net.ParseIP("192.168.1.20")}
				a.Text = []string{"version=2", "fingerprint=aaaa", "junk"}

				noPort := zeroconf.NewServiceEntry("broken", service, domain)

				for _, entry := range []*zeroconf.ServiceEntry{b, a, noPort} {
					select {
					case entries <- entry:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
	}

	servers, err := Locate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %+v", servers)
	}

	a, b := servers[0], servers[1]
	if a.Instance != "hub-a" || b.Instance != "hub-b" {
		t.Fatalf("expected servers sorted by instance, got %q, %q", a.Instance, b.Instance)
	}
	if a.Fingerprint != "aaaa" || a.Version != 2 {
		t.Fatalf("unexpected TXT parse: %+v", a)
	}
	if len(a.Addresses) != 1 || a.Address() != "192.168.1.20:9000" {
		t.Fatalf("unexpected address for hub-a: %+v (%s)", a.Addresses, a.Address())
	}
	if b.Address() != "b.local:9001" {
		t.Fatalf("expected hostname fallback address, got %q", b.Address())
	}
}

func TestPortFromAddr(t *testing.T) {
	port, err := PortFromAddr(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8123})
	if err != nil {
		t.Fatalf("PortFromAddr failed: %v", err)
	}
	if port != 8123 {
		t.Fatalf("expected 8123, got %d", port)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
