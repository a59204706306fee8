package driftmon

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// StaticPeers is a fixed peer directory, typically loaded from configuration
// as instanceCode=baseURL pairs.
type StaticPeers struct {
	peers []interfaces.FederationPeer
}

// NewStaticPeers creates a directory from instanceCode=baseURL entries.
func NewStaticPeers(entries []string) (*StaticPeers, error) {
	peers := make([]interfaces.FederationPeer, 0, len(entries))
	for _, entry := range entries {
		code, baseURL, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer entry %q, expected CODE=https://host", entry)
		}
		instanceCode, err := interfaces.NewInstanceCode(code)
		if err != nil {
			return nil, fmt.Errorf("invalid peer entry %q: %w", entry, err)
		}
		peers = append(peers, interfaces.FederationPeer{
			InstanceCode: instanceCode,
			BaseURL:      strings.TrimSuffix(baseURL, "/"),
		})
	}
	return &StaticPeers{peers: peers}, nil
}

// Peers returns the configured peer list.
func (s *StaticPeers) Peers(_ context.Context) ([]interfaces.FederationPeer, error) {
	out := make([]interfaces.FederationPeer, len(s.peers))
	copy(out, s.peers)
	return out, nil
}

// DNSPeers discovers federation members via SRV records. Each SRV target's
// first DNS label is taken as the instance code, so a record pointing at
// eastus.fed.example.com registers the peer EASTUS.
type DNSPeers struct {
	service     string
	domain      string
	resolver    string
	queryScheme string
	client      *dns.Client
}

// NewDNSPeers creates a SRV-based peer directory. Service is the SRV service
// label without underscores (e.g. "fedpolicy"); resolver is host:port of the
// DNS server, or empty for the system default on port 53.
func NewDNSPeers(service, domain, resolver string) *DNSPeers {
	if resolver == "" {
		resolver = "127.0.0.1:53"
	}
	return &DNSPeers{
		service:     service,
		domain:      domain,
		resolver:    resolver,
		queryScheme: "https",
		client:      &dns.Client{Timeout: 5 * time.Second},
	}
}

// Peers queries _<service>._tcp.<domain> SRV records and maps each target to
// a federation peer.
func (d *DNSPeers) Peers(ctx context.Context) ([]interfaces.FederationPeer, error) {
	name := dns.Fqdn(fmt.Sprintf("_%s._tcp.%s", d.service, d.domain))

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)
	msg.RecursionDesired = true

	resp, _, err := d.client.ExchangeContext(ctx, msg, d.resolver)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s failed: %w", name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup for %s returned %s", name, dns.RcodeToString[resp.Rcode])
	}

	peers := make([]interfaces.FederationPeer, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		target := strings.TrimSuffix(srv.Target, ".")
		label, _, _ := strings.Cut(target, ".")
		instanceCode, err := interfaces.NewInstanceCode(strings.ToUpper(label))
		if err != nil {
			continue
		}
		peers = append(peers, interfaces.FederationPeer{
			InstanceCode: instanceCode,
			BaseURL:      fmt.Sprintf("%s://%s", d.queryScheme, net.JoinHostPort(target, fmt.Sprintf("%d", srv.Port))),
		})
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].InstanceCode < peers[j].InstanceCode })
	return peers, nil
}

// FilterLocal wraps a directory and drops the local instance from results,
// so a discovery record for this very instance never gets polled.
type FilterLocal struct {
	Directory interfaces.PeerDirectory
	LocalCode interfaces.InstanceCode
}

// Peers delegates and strips the local instance.
func (f *FilterLocal) Peers(ctx context.Context) ([]interfaces.FederationPeer, error) {
	peers, err := f.Directory.Peers(ctx)
	if err != nil {
		return nil, err
	}
	out := peers[:0]
	for _, peer := range peers {
		if peer.InstanceCode != f.LocalCode {
			out = append(out, peer)
		}
	}
	return out, nil
}
