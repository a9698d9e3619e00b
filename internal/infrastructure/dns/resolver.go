package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/fastygo/orgcore/usecase/bootstrap"
)

var _ bootstrap.Resolver = (*NameserverResolver)(nil)

// NameserverResolver asks one specific nameserver, bypassing the host's
// resolver configuration, so that a quorum of them is independent.
type NameserverResolver struct {
	addr     string
	resolver *net.Resolver
}

// NewNameserverResolver builds a resolver for addr ("host:port"; port 53 is
// assumed when missing).
func NewNameserverResolver(addr string, timeout time.Duration) *NameserverResolver {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	return &NameserverResolver{
		addr: addr,
		resolver: &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

// NewResolvers builds one resolver per nameserver address.
func NewResolvers(addrs []string, timeout time.Duration) []bootstrap.Resolver {
	out := make([]bootstrap.Resolver, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, NewNameserverResolver(addr, timeout))
	}
	return out
}

func (r *NameserverResolver) Name() string { return r.addr }

// Confirm reports whether fqdn points at target: an address target must be
// among fqdn's addresses, a host target must be fqdn's canonical name.
func (r *NameserverResolver) Confirm(ctx context.Context, fqdn, target string) (bool, error) {
	if net.ParseIP(target) != nil {
		addrs, err := r.resolver.LookupHost(ctx, fqdn)
		if err != nil {
			return notFound(err)
		}
		want := net.ParseIP(target)
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil && ip.Equal(want) {
				return true, nil
			}
		}
		return false, nil
	}

	cname, err := r.resolver.LookupCNAME(ctx, fqdn)
	if err != nil {
		return notFound(err)
	}
	return sameHost(cname, target), nil
}

func sameHost(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

// notFound turns NXDOMAIN into a negative answer; other failures are errors.
func notFound(err error) (bool, error) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false, nil
	}
	return false, err
}
