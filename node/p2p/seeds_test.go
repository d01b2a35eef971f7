package p2p

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startFakeSeedServer spins up a real DNS server over loopback UDP that
// answers TXT queries with dialStrings and A queries with aAddr, so
// SeedResolver can be exercised against the actual miekg/dns client instead
// of a hand-rolled fake.
func startFakeSeedServer(t *testing.T, domain string, dialStrings []string, aAddr string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(domain, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) == 0 {
			_ = w.WriteMsg(m)
			return
		}
		q := r.Question[0]
		switch q.Qtype {
		case dns.TypeTXT:
			for _, s := range dialStrings {
				m.Answer = append(m.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
					Txt: []string{s},
				})
			}
		case dns.TypeA:
			if aAddr != "" {
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(aAddr),
				})
			}
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})
	return pc.LocalAddr().String()
}

func TestSeedResolverResolvesTXTRecords(t *testing.T) {
	addr := startFakeSeedServer(t, "seed.test.", []string{"tcp:9.9.9.9:8080"}, "")
	resolver := NewSeedResolver([]string{"seed.test"}, addr, DefaultPort)

	got := resolver.Resolve(context.Background())
	if len(got) != 1 || got[0] != "tcp:9.9.9.9:8080" {
		t.Fatalf("Resolve() = %v, want [tcp:9.9.9.9:8080]", got)
	}
}

func TestSeedResolverResolvesARecordsWithDefaultPort(t *testing.T) {
	addr := startFakeSeedServer(t, "seed.test.", nil, "5.6.7.8")
	resolver := NewSeedResolver([]string{"seed.test"}, addr, 9735)

	got := resolver.Resolve(context.Background())
	if len(got) != 1 || got[0] != "tcp:5.6.7.8:9735" {
		t.Fatalf("Resolve() = %v, want [tcp:5.6.7.8:9735]", got)
	}
}

func TestSeedResolverDeduplicatesAcrossTXTAndA(t *testing.T) {
	addr := startFakeSeedServer(t, "seed.test.", []string{"tcp:5.6.7.8:9735"}, "5.6.7.8")
	resolver := NewSeedResolver([]string{"seed.test"}, addr, 9735)

	got := resolver.Resolve(context.Background())
	if len(got) != 1 {
		t.Fatalf("Resolve() = %v, want a single deduplicated entry", got)
	}
}

func TestSeedResolverWithNoResolverReturnsNothing(t *testing.T) {
	resolver := NewSeedResolver([]string{"seed.test"}, "", DefaultPort)
	if got := resolver.Resolve(context.Background()); got != nil {
		t.Fatalf("Resolve() with no configured resolver = %v, want nil", got)
	}
}

func TestSeedLoopTickFeedsPeerStore(t *testing.T) {
	addr := startFakeSeedServer(t, "seed.test.", []string{"tcp:1.2.3.4:8080"}, "")
	resolver := NewSeedResolver([]string{"seed.test"}, addr, DefaultPort)
	store := NewPeerStore()
	loop := NewSeedLoop(resolver, store, time.Minute, nil)

	loop.tick(context.Background())

	all := store.All()
	if len(all) != 1 {
		t.Fatalf("expected the resolved seed to be added as a candidate, got %d peers", len(all))
	}
	ep, ok := RandomEntrypoint(all[0])
	if !ok || ep != "tcp:1.2.3.4:8080" {
		t.Fatalf("candidate entrypoint = %q, ok=%v, want tcp:1.2.3.4:8080", ep, ok)
	}
}
