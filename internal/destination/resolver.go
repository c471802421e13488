// Package destination resolves measurement destinations and plans which
// addresses are worth measuring.
package destination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultTimeout bounds one DNS exchange.
	DefaultTimeout = 5 * time.Second

	// ResolvConfPath is read when no nameserver is configured.
	ResolvConfPath = "/etc/resolv.conf"
)

var (
	// ErrNoNameserver is returned when no nameserver is configured or found.
	ErrNoNameserver = errors.New("no nameserver available")
	// ErrNoAddresses is returned when a name has no A or AAAA record.
	ErrNoAddresses = errors.New("no addresses found")
	// ErrQueryFailed is returned when every nameserver failed to answer.
	ErrQueryFailed = errors.New("dns query failed")
)

// Resolver resolves destination names with plain DNS queries.
type Resolver struct {
	client  *dns.Client
	servers []string
	logger  *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithServer adds a nameserver. The port defaults to 53.
func WithServer(server string) Option {
	return func(r *Resolver) {
		if server == "" {
			return
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		r.servers = append(r.servers, server)
	}
}

// WithTimeout sets the timeout of one exchange.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver. Without WithServer the nameservers of
// ResolvConfPath are used.
func NewResolver(opts ...Option) (*Resolver, error) {
	r := &Resolver{
		client: &dns.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.servers) > 0 {
		return r, nil
	}

	conf, err := dns.ClientConfigFromFile(ResolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoNameserver, err)
	}
	for _, s := range conf.Servers {
		r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
	}
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("%w: %s lists none", ErrNoNameserver, ResolvConfPath)
	}
	return r, nil
}

// Servers returns the nameservers in query order.
func (r *Resolver) Servers() []string {
	return slices.Clone(r.servers)
}

// Resolve returns the IPv4 then IPv6 addresses of name. An address literal
// is returned as is.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	var out []netip.Addr
	var errs []error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, name, qtype)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		for _, a := range addrs {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}

	if len(out) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, name)
	}
	r.logger.Debug("resolved destination", "name", name, "addresses", len(out))
	return out, nil
}

// query asks each nameserver in turn until one answers.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)

	var lastErr error
	for _, server := range r.servers {
		resp, rtt, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Debug("nameserver failed", "server", server, "name", name, "error", err)
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s", ErrNoAddresses, name)
		default:
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		r.logger.Debug("dns answer",
			"server", server,
			"name", name,
			"type", dns.TypeToString[qtype],
			"answers", len(resp.Answer),
			"rtt", rtt,
		)
		return answerAddrs(resp.Answer), nil
	}
	return nil, fmt.Errorf("%w: %s %s: %w", ErrQueryFailed, dns.TypeToString[qtype], name, lastErr)
}

func answerAddrs(answers []dns.RR) []netip.Addr {
	var out []netip.Addr
	for _, rr := range answers {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out
}
