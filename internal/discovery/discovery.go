// Package discovery finds and advertises tracking services over mDNS.
//
// A tracking service advertises itself as "_trackd._tcp" in the "local."
// domain. TXT records carry the protocol version and the namespace it
// accepts. The bridge uses Browser to resolve the service address when no
// address is configured; the simulator uses Advertiser.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// mDNS constants.
const (
	ServiceType = "_trackd._tcp"
	Domain      = "local."

	// DefaultBrowseTimeout bounds Resolve when the context has no deadline.
	DefaultBrowseTimeout = 5 * time.Second

	// MaxInstanceNameLen is the DNS-SD label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTVersion   = "ver"
	TXTNamespace = "ns"
	TXTTransport = "tp"
)

var (
	ErrNotFound            = errors.New("discovery: tracking service not found")
	ErrInstanceNameInvalid = errors.New("discovery: invalid instance name")
	ErrInvalidPort         = errors.New("discovery: invalid port")
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Config holds mDNS settings shared by Browser and Advertiser.
type Config struct {
	// Interface restricts mDNS to one network interface. Empty means all.
	Interface string

	// Timeout bounds Resolve. Default: 5s.
	Timeout time.Duration

	// TTL of advertised records. Zero keeps the library default.
	TTL time.Duration
}

// Service is a resolved tracking service.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Version   string
	Namespace string
	Transport string
}

// Address returns the service as a framed client address. IPv4 addresses
// are preferred; the host name is used when no address was resolved.
func (s *Service) Address() string {
	host := strings.TrimSuffix(s.Host, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	for _, a := range s.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			host = a
			break
		}
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// ServiceInfo describes the service to advertise.
type ServiceInfo struct {
	Instance  string
	Port      int
	Version   string
	Namespace string
	Transport string
}

// EncodeTXT renders the TXT records of info in a stable order.
func EncodeTXT(info ServiceInfo) []string {
	txt := map[string]string{TXTVersion: info.Version, TXTTransport: info.Transport}
	if txt[TXTTransport] == "" {
		txt[TXTTransport] = "framed"
	}
	if info.Namespace != "" {
		txt[TXTNamespace] = info.Namespace
	}

	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// DecodeTXT parses "key=value" records. Keys without '=' map to "".
func DecodeTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// ValidateInstanceName checks an instance name against DNS-SD limits.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInstanceNameInvalid)
	}
	if len(name) > MaxInstanceNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInstanceNameInvalid, MaxInstanceNameLen)
	}
	return nil
}

// entryToService converts a browse result. Returns nil for entries without
// a usable port.
func entryToService(entry *zeroconf.ServiceEntry) *Service {
	if entry == nil || entry.Port <= 0 {
		return nil
	}
	txt := DecodeTXT(entry.Text)

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &Service{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		Version:   txt[TXTVersion],
		Namespace: txt[TXTNamespace],
		Transport: txt[TXTTransport],
	}
}

// acceptable reports whether svc can serve a client of the given namespace.
func acceptable(svc *Service, namespace string) bool {
	if svc.Transport != "" && svc.Transport != "framed" {
		return false
	}
	return svc.Namespace == "" || namespace == "" || svc.Namespace == namespace
}

func interfaces(name string) ([]net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", name, err)
	}
	return []net.Interface{*iface}, nil
}

// Browser resolves tracking services.
type Browser struct {
	cfg    Config
	logger Logger
}

// NewBrowser creates a browser.
func NewBrowser(cfg Config, logger Logger) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBrowseTimeout
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Browser{cfg: cfg, logger: logger}
}

// Resolve browses until the first service accepting namespace appears.
//
// Parameters:
//   - ctx: cancels the browse
//   - namespace: the namespace the client will send; empty accepts any
//
// Returns:
//   - *Service: the first acceptable service
//   - error: ErrNotFound when the timeout passes first
func (b *Browser) Resolve(ctx context.Context, namespace string) (*Service, error) {
	ifaces, err := interfaces(b.cfg.Interface)
	if err != nil {
		return nil, err
	}
	var opts []zeroconf.ClientOption
	if ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			b.logger.Debug("mdns browse ended", "error", err)
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNotFound
			}
			svc := entryToService(entry)
			if svc == nil || !acceptable(svc, namespace) {
				continue
			}
			b.logger.Info("tracking service discovered",
				"instance", svc.Instance,
				"address", svc.Address(),
				"version", svc.Version,
			)
			return svc, nil
		case <-removed:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w within %s", ErrNotFound, b.cfg.Timeout)
		}
	}
}

// Advertiser registers one tracking service.
//
// Thread Safety: all methods are safe for concurrent use.
type Advertiser struct {
	cfg    Config
	logger Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser. Nothing is sent until Advertise.
func NewAdvertiser(cfg Config, logger Logger) *Advertiser {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Advertiser{cfg: cfg, logger: logger}
}

// Advertise registers info, replacing any previous registration.
func (a *Advertiser) Advertise(info ServiceInfo) error {
	if err := ValidateInstanceName(info.Instance); err != nil {
		return err
	}
	if info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, info.Port)
	}
	ifaces, err := interfaces(a.cfg.Interface)
	if err != nil {
		return err
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(info.Instance, ServiceType, Domain, info.Port, EncodeTXT(info), ifaces, opts...)
	if err != nil {
		return fmt.Errorf("registering %s: %w", ServiceType, err)
	}
	a.server = server
	a.logger.Info("advertising tracking service", "instance", info.Instance, "port", info.Port)
	return nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Advertising reports whether a registration is active.
func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}
