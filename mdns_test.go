package whep

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/transport/v3/test"
)

// fakeBrowser captures the entries channel so tests can inject
// announcements.
type fakeBrowser struct {
	err     error
	service string
	domain  string
	entries chan<- *zeroconf.ServiceEntry
}

func (b *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	b.service, b.domain = service, domain
	if b.err != nil {
		return b.err
	}
	b.entries = entries
	return nil
}

func ndiEntry(instance string, ip net.IP, port int, ttl uint32) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ndiServiceType, "local.")
	e.HostName = "studio.local."
	e.Port = port
	e.TTL = ttl
	if ip.To4() != nil {
		e.AddrIPv4 = []net.IP{ip}
	} else if ip != nil {
		e.AddrIPv6 = []net.IP{ip}
	}
	return e
}

func TestMDNSFinder(t *testing.T) {
	lim := test.TimeOut(5 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	b := &fakeBrowser{}
	f, err := newMDNSFinder(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.service != "_ndi._tcp" || b.domain != "local." {
		t.Errorf("browsed %q in %q", b.service, b.domain)
	}

	b.entries <- ndiEntry(`STUDIO\ \(Cam\ 2\)`, net.IPv4(192, 168, 1, 11), 5962, 120)
	b.entries <- ndiEntry(`STUDIO (Cam 1)`, net.IPv4(192, 168, 1, 10), 5961, 120)
	if !f.Wait(time.Second) {
		t.Fatal("Wait did not report the announcement")
	}
	waitFor(t, "two sources", func() bool { return len(f.Sources()) == 2 })

	srcs := f.Sources()
	if srcs[0].Name != "STUDIO (Cam 1)" || srcs[0].URL != "192.168.1.10:5961" {
		t.Errorf("first source = %+v", srcs[0])
	}
	if srcs[1].Name != "STUDIO (Cam 2)" || srcs[1].URL != "192.168.1.11:5962" {
		t.Errorf("unescaped source = %+v", srcs[1])
	}

	// A goodbye packet removes the source.
	b.entries <- ndiEntry(`STUDIO (Cam 1)`, nil, 5961, 0)
	waitFor(t, "goodbye", func() bool { return len(f.Sources()) == 1 })

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	f.Wait(time.Second)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Wait blocked %v after Close", elapsed)
	}
}

func TestMDNSFinder_BrowseError(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	_, err := newMDNSFinder(&fakeBrowser{err: errors.New("no multicast")}, nil)
	if !errors.Is(err, ErrDiscoveryUnavailable) {
		t.Errorf("err = %v, want ErrDiscoveryUnavailable", err)
	}
}

func TestEntryURL(t *testing.T) {
	tests := []struct {
		name string
		e    *zeroconf.ServiceEntry
		want string
	}{
		{"ipv4", ndiEntry("a", net.IPv4(10, 0, 0, 1), 5961, 1), "10.0.0.1:5961"},
		{"ipv6", ndiEntry("a", net.ParseIP("fe80::1"), 5961, 1), "[fe80::1]:5961"},
		{"hostname", ndiEntry("a", nil, 5961, 1), "studio.local:5961"},
		{"no port", ndiEntry("a", net.IPv4(10, 0, 0, 1), 0, 1), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryURL(tt.e); got != tt.want {
				t.Errorf("entryURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnescapeInstance(t *testing.T) {
	for in, want := range map[string]string{
		"plain":            "plain",
		`HOST\ \(Cam\ 1\)`: "HOST (Cam 1)",
		`back\\slash`:      `back\slash`,
		`trailing\`:        `trailing\`,
	} {
		if got := unescapeInstance(in); got != want {
			t.Errorf("unescapeInstance(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewFinder(t *testing.T) {
	rt := newFakeRuntime("A")

	f, err := NewFinder(DiscoveryNative, rt, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.(*fakeFinder); !ok {
		t.Errorf("native finder = %T", f)
	}

	f, err = NewFinder(DiscoveryAuto, rt, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.(*fakeFinder); !ok {
		t.Errorf("auto finder with runtime = %T", f)
	}

	if _, err := NewFinder(DiscoveryNative, nil, nil); !errors.Is(err, ErrDiscoveryUnavailable) {
		t.Errorf("native without runtime = %v", err)
	}
	if _, err := NewFinder("bonjour", rt, nil); err == nil {
		t.Error("unknown backend accepted")
	}
}
