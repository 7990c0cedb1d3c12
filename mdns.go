package whep

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// ndiServiceType is the DNS-SD service NDI senders advertise.
const ndiServiceType = "_ndi._tcp"

// mdnsSourceTTL drops sources that have not been re-announced recently.
const mdnsSourceTTL = 2 * time.Minute

// MDNSBrowser is the subset of *zeroconf.Resolver used by the mDNS finder.
type MDNSBrowser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// mdnsFinder discovers NDI senders from their DNS-SD announcements. It
// works without the NDI SDK, so sources can be listed on hosts where only
// discovery is needed.
type mdnsFinder struct {
	log    logging.LeveledLogger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	sources map[string]SourceDescriptor
	changed chan struct{}
}

// NewMDNSFinder starts browsing for NDI senders with a zeroconf resolver.
func NewMDNSFinder(loggerFactory logging.LoggerFactory) (Finder, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("%w: zeroconf resolver: %v", ErrDiscoveryUnavailable, err)
	}
	return newMDNSFinder(resolver, loggerFactory)
}

func newMDNSFinder(browser MDNSBrowser, loggerFactory logging.LoggerFactory) (*mdnsFinder, error) {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &mdnsFinder{
		log:     loggerFactory.NewLogger("ndi-mdns"),
		cancel:  cancel,
		done:    make(chan struct{}),
		sources: make(map[string]SourceDescriptor),
		changed: make(chan struct{}, 1),
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go f.consume(ctx, entries)
	if err := browser.Browse(ctx, ndiServiceType, "local.", entries); err != nil {
		cancel()
		<-f.done
		return nil, fmt.Errorf("%w: browse %s: %v", ErrDiscoveryUnavailable, ndiServiceType, err)
	}
	return f, nil
}

func (f *mdnsFinder) consume(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			f.add(e)
		}
	}
}

func (f *mdnsFinder) add(e *zeroconf.ServiceEntry) {
	if e == nil {
		return
	}
	name := unescapeInstance(e.Instance)
	if name == "" {
		return
	}

	f.mu.Lock()
	_, known := f.sources[name]
	if e.TTL == 0 {
		delete(f.sources, name)
	} else {
		f.sources[name] = SourceDescriptor{Name: name, URL: entryURL(e), LastSeen: time.Now()}
	}
	f.mu.Unlock()

	if !known || e.TTL == 0 {
		f.log.Debugf("mdns source %q ttl=%d", name, e.TTL)
		select {
		case f.changed <- struct{}{}:
		default:
		}
	}
}

func (f *mdnsFinder) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.changed:
		return true
	case <-t.C:
		return false
	case <-f.done:
		return false
	}
}

func (f *mdnsFinder) Sources() []SourceDescriptor {
	cutoff := time.Now().Add(-mdnsSourceTTL)
	f.mu.Lock()
	out := make([]SourceDescriptor, 0, len(f.sources))
	for name, s := range f.sources {
		if s.LastSeen.Before(cutoff) {
			delete(f.sources, name)
			continue
		}
		out = append(out, s)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *mdnsFinder) Close() error {
	f.cancel()
	<-f.done
	return nil
}

// entryURL builds the ip:port endpoint NDI receivers accept.
func entryURL(e *zeroconf.ServiceEntry) string {
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(e.HostName, ".")
	}
	if host == "" || e.Port == 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// unescapeInstance removes DNS-SD backslash escapes from an instance name.
func unescapeInstance(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// DiscoveryBackend selects how sources are discovered.
type DiscoveryBackend string

const (
	DiscoveryAuto   DiscoveryBackend = "auto"
	DiscoveryNative DiscoveryBackend = "native"
	DiscoveryMDNS   DiscoveryBackend = "mdns"
)

// NewFinder opens a persistent finder for the backend. With DiscoveryAuto
// the native finder is preferred and mDNS is used when the runtime is nil
// or fails.
func NewFinder(backend DiscoveryBackend, rt Runtime, loggerFactory logging.LoggerFactory) (Finder, error) {
	switch backend {
	case DiscoveryNative:
		if rt == nil {
			return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, ErrRuntimeUnavailable)
		}
		return rt.NewFinder()
	case DiscoveryMDNS:
		return NewMDNSFinder(loggerFactory)
	case DiscoveryAuto, "":
		if rt != nil {
			if f, err := rt.NewFinder(); err == nil {
				return f, nil
			}
		}
		return NewMDNSFinder(loggerFactory)
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", backend)
	}
}
