package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekoy3/neko-dns/config"
	"github.com/nekoy3/neko-dns/engine"
)

func testServer(t *testing.T) (*Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		hits.Add(1)
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(192, 0, 2, 1),
		})
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	addr := pc.LocalAddr().(*net.UDPAddr)

	cfg := config.Default()
	cfg.Recursive.Enabled = false
	cfg.Prefetch.Enabled = false
	cfg.Upstreams = []config.Upstream{{Name: "fake", Address: addr.IP.String(), Port: uint16(addr.Port), TimeoutMs: 2000}}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	e, err := engine.New(cfg, log)
	require.NoError(t, err)
	return NewServer(e, log), &hits
}

func ask(t *testing.T, s *Server, name string) {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	reply := s.Engine.Handle(context.Background(), q, "udp", "test")
	require.NotNil(t, reply)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := testServer(t)
	ask(t, s, "one.example.com")
	ask(t, s, "one.example.com")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "forwarding", got.Mode)
	assert.Equal(t, 1, got.Cache.Entries)
	assert.EqualValues(t, 1, got.Cache.Hits)
}

func TestCacheDumpEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := testServer(t)
	ask(t, s, "dumped.example.com")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/cache?limit=10", nil))
	require.Equal(t, 200, rec.Code)

	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "dumped.example.com.", entries[0]["name"])
	assert.Equal(t, "A", entries[0]["qtype"])
	assert.Equal(t, "upstream:fake", entries[0]["provenance"])
}

func TestUpstreamsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := testServer(t)
	ask(t, s, "up.example.com")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/upstreams", nil))
	require.Equal(t, 200, rec.Code)

	var infos []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "fake", infos[0]["name"])
}

func TestJournalEndpointSearch(t *testing.T) {
	t.Parallel()
	s, _ := testServer(t)
	ask(t, s, "alpha.example.com")
	ask(t, s, "beta.example.com")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/journal?q=alpha", nil))
	require.Equal(t, 200, rec.Code)

	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "alpha.example.com.", entries[0]["qname"])
}

func TestCuriosityDisabledInForwardingMode(t *testing.T) {
	t.Parallel()
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/curiosity", nil))
	assert.Equal(t, 404, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/infra", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := testServer(t)
	ask(t, s, "metered.example.com")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "nekodns_queries_total")
	assert.Contains(t, rec.Body.String(), "nekodns_cache_entries 1")
}
