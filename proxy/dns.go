/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package proxy

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"

	"github.com/veilcore/veil/common/errors"
)

// DNSTimeout bounds domain resolution for a domain-form ConnectTcp.
const DNSTimeout = 5 * time.Second

// Resolved addresses are memoized briefly so a burst of sessions to
// the same target doesn't re-query per connection.
const (
	dnsCacheTTL     = 30 * time.Second
	dnsCacheCleanup = time.Minute
)

// Resolver resolves ConnectTcp domains to IPs. It queries the host's
// configured nameservers directly with miekg/dns rather than
// net.Resolver, so the timeout applies to the wire query itself, and
// caches results briefly.
type Resolver struct {
	client      *dns.Client
	nameservers []string
	cache       *gocache.Cache
}

// NewResolver constructs a Resolver using nameservers read from
// /etc/resolv.conf, following the pattern of dns.ClientConfigFromFile.
func NewResolver() (*Resolver, error) {
	nameservers, err := systemNameservers()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Resolver{
		client:      &dns.Client{Timeout: DNSTimeout},
		nameservers: nameservers,
		cache:       gocache.New(dnsCacheTTL, dnsCacheCleanup),
	}, nil
}

// Resolve sends an A query for domain and returns the first address
// record in the answer, cached for dnsCacheTTL. No AAAA query is sent.
// Failure is reported as ErrUnreachable.
func (r *Resolver) Resolve(ctx context.Context, domain string) (net.IP, error) {
	if cached, ok := r.cache.Get(domain); ok {
		return cached.(net.IP), nil
	}

	ctx, cancel := context.WithTimeout(ctx, DNSTimeout)
	defer cancel()

	ip, err := r.query(ctx, domain)
	if err != nil {
		return nil, errors.TraceMsg(errors.ErrUnreachable, err.Error())
	}

	r.cache.Set(domain, ip, gocache.DefaultExpiration)
	return ip, nil
}

func (r *Resolver) query(ctx context.Context, domain string) (net.IP, error) {
	if len(r.nameservers) == 0 {
		return nil, errors.TraceNew("no nameservers configured")
	}

	fqdn := dns.Fqdn(domain)
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeA)
	msg.RecursionDesired = true

	for _, server := range r.nameservers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			continue
		}
		for _, answer := range resp.Answer {
			if a, ok := answer.(*dns.A); ok {
				return a.A, nil
			}
			if aaaa, ok := answer.(*dns.AAAA); ok {
				return aaaa.AAAA, nil
			}
		}
	}
	return nil, errors.TraceNew("no address record found")
}

func systemNameservers() ([]string, error) {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || config == nil || len(config.Servers) == 0 {
		// Fall back to a well-known public resolver rather than
		// failing outright; the Proxy must resolve *something* for
		// ConnectTcp{host_kind=domain} to ever succeed.
		return []string{"8.8.8.8:53"}, nil
	}
	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, net.JoinHostPort(s, config.Port))
	}
	return servers, nil
}
