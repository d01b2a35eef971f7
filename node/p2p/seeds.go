package p2p

import (
	"context"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// SeedResolver resolves DNS TXT and A records for configured seed domains
// into candidate dial strings (spec.md §4.8: "resolve DNS TXT records
// (entire dial strings) and A records (host -> tcp:host:default_port) for
// configured seed domains").
type SeedResolver struct {
	Domains    []string
	Resolver   string // DNS server, host:port; empty disables resolution (Resolve returns nothing)
	DefaultPort int
	client     *dns.Client
}

func NewSeedResolver(domains []string, resolverAddr string, defaultPort int) *SeedResolver {
	if defaultPort == 0 {
		defaultPort = DefaultPort
	}
	return &SeedResolver{Domains: domains, Resolver: resolverAddr, DefaultPort: defaultPort, client: new(dns.Client)}
}

// Resolve queries every configured domain once and returns every discovered
// dial string, deduplicated.
func (s *SeedResolver) Resolve(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, domain := range s.Domains {
		for _, ep := range s.resolveTXT(domain) {
			if _, ok := seen[ep]; !ok {
				seen[ep] = struct{}{}
				out = append(out, ep)
			}
		}
		for _, ep := range s.resolveA(domain) {
			if _, ok := seen[ep]; !ok {
				seen[ep] = struct{}{}
				out = append(out, ep)
			}
		}
	}
	return out
}

func (s *SeedResolver) exchange(m *dns.Msg) (*dns.Msg, error) {
	if s.Resolver == "" {
		return nil, errNoResolver
	}
	in, _, err := s.client.Exchange(m, s.Resolver)
	return in, err
}

var errNoResolver = &resolverError{"no DNS resolver configured"}

type resolverError struct{ msg string }

func (e *resolverError) Error() string { return e.msg }

func (s *SeedResolver) resolveTXT(domain string) []string {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
	in, err := s.exchange(m)
	if err != nil || in == nil {
		return nil
	}
	var out []string
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, txt.Txt...)
		}
	}
	return out
}

func (s *SeedResolver) resolveA(domain string) []string {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	in, err := s.exchange(m)
	if err != nil || in == nil {
		return nil
	}
	var out []string
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, "tcp:"+a.A.String()+":"+strconv.Itoa(s.DefaultPort))
		}
	}
	return out
}

// SeedLoop periodically resolves seeds and feeds new candidates into a
// PeerStore, where the reconnection loop picks them up on its next tick.
type SeedLoop struct {
	resolver *SeedResolver
	store    *PeerStore
	interval time.Duration
	log      *logrus.Entry
}

func NewSeedLoop(resolver *SeedResolver, store *PeerStore, interval time.Duration, log *logrus.Entry) *SeedLoop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SeedLoop{resolver: resolver, store: store, interval: interval, log: log}
}

func (l *SeedLoop) Run(ctx context.Context) {
	l.tick(ctx)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *SeedLoop) tick(ctx context.Context) {
	for _, ep := range l.resolver.Resolve(ctx) {
		l.store.AddCandidate(ep)
	}
}
