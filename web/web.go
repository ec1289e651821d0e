// Package web is the JSON observability surface: point-in-time snapshots of
// the caches, upstreams, journeys, journal, and curiosity counters, plus the
// Prometheus registry. It only reads engine state; nothing here mutates the
// resolver.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nekoy3/neko-dns/engine"
	"github.com/nekoy3/neko-dns/upstream"
)

const defaultDumpLimit = 200

// Server serves the observability endpoints for one engine.
type Server struct {
	Engine *engine.Engine
	Log    logrus.FieldLogger
}

func NewServer(e *engine.Engine, log logrus.FieldLogger) *Server {
	return &Server{Engine: e, Log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/cache", s.handleCache)
	mux.HandleFunc("/api/upstreams", s.handleUpstreams)
	mux.HandleFunc("/api/journeys", s.handleJourneys)
	mux.HandleFunc("/api/journal", s.handleJournal)
	mux.HandleFunc("/api/curiosity", s.handleCuriosity)
	mux.HandleFunc("/api/infra", s.handleInfra)
	if s.Engine.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Engine.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe blocks serving the observability surface on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if s.Log != nil {
		s.Log.WithField("addr", addr).Info("web surface listening")
	}
	return srv.ListenAndServe()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Engine.Snapshot())
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultDumpLimit)
	s.writeJSON(w, s.Engine.Store.Positive.Dump(limit))
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	var infos []upstream.Info
	if s.Engine.Forwarder != nil {
		for _, u := range s.Engine.Forwarder.Upstreams {
			infos = append(infos, u.Snapshot())
		}
	}
	s.writeJSON(w, infos)
}

func (s *Server) handleJourneys(w http.ResponseWriter, r *http.Request) {
	if s.Engine.Resolver == nil {
		s.writeJSON(w, []struct{}{})
		return
	}
	limit := queryInt(r, "limit", 20)
	s.writeJSON(w, s.Engine.Resolver.Journeys.Recent(limit))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if q := r.URL.Query().Get("q"); q != "" {
		s.writeJSON(w, s.Engine.Journal.Search(q, limit))
		return
	}
	s.writeJSON(w, s.Engine.Journal.Recent(limit))
}

func (s *Server) handleCuriosity(w http.ResponseWriter, r *http.Request) {
	if s.Engine.Resolver == nil {
		http.Error(w, `{"error":"recursive resolution disabled"}`, http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.Engine.Resolver.Curiosity.Snapshot())
}

func (s *Server) handleInfra(w http.ResponseWriter, r *http.Request) {
	if s.Engine.Resolver == nil {
		http.Error(w, `{"error":"recursive resolution disabled"}`, http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.Engine.Resolver.Infra.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil && s.Log != nil {
		s.Log.WithError(err).Debug("json encode failed")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// Addr formats the listen address from the configured web port.
func Addr(port uint16) string {
	return fmt.Sprintf(":%d", port)
}
