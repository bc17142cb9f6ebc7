// Package server hosts an offline.Registration in front of an origin.
//
// Every request to the host becomes a fetch event for the origin. Requests the
// worker intercepts are answered from its cache policy; the rest are proxied
// to the origin unmodified. Pages connect as clients over server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	offline "github.com/infracollect/offline-worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxMessageSize bounds control message bodies.
const maxMessageSize = 64 << 10

// Config configures a Server.
type Config struct {
	// Origin is the upstream the worker's scope points at.
	Origin *url.URL

	Registration *offline.Registration

	// Transport is used for pass-through requests. Nil means http.DefaultTransport.
	Transport http.RoundTripper

	// Gatherer serves /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	Logger logr.Logger
}

// Server is the HTTP host of a registration.
type Server struct {
	origin *url.URL
	reg    *offline.Registration
	proxy  *httputil.ReverseProxy
	logger logr.Logger
	router *mux.Router

	// pending tracks fetch events still running background work.
	pending sync.WaitGroup
}

// New creates a Server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		origin: cfg.Origin,
		reg:    cfg.Registration,
		logger: cfg.Logger,
		router: mux.NewRouter(),
	}

	s.proxy = httputil.NewSingleHostReverseProxy(cfg.Origin)
	s.proxy.Transport = cfg.Transport
	s.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error(err, "pass-through request failed", "method", r.Method, "path", r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
	}

	s.router.HandleFunc("/__worker/message", s.handleMessage).Methods("POST")
	s.router.HandleFunc("/__worker/sync/{tag}", s.handleSync).Methods("POST")
	s.router.HandleFunc("/__worker/clients", s.handleClients).Methods("GET")
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.router.PathPrefix("/").HandlerFunc(s.handleFetch)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Drain waits until every dispatched fetch event has finished its
// background work, or ctx is done.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// upstreamRequest rewrites an incoming request to target the origin.
func (s *Server) upstreamRequest(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.URL = s.origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
	out.Host = s.origin.Host
	out.RequestURI = ""
	return out
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ev := offline.NewFetchEvent(s.upstreamRequest(r))
	ev.ClientID = r.Header.Get("X-Client-Id")

	resp, ok := s.reg.Fetch(ev)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := ev.Wait(); err != nil {
			s.logger.Error(err, "fetch event failed", "path", r.URL.Path)
		}
	}()

	if !ok {
		s.proxy.ServeHTTP(w, r)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = append([]string(nil), vv...)
	}
	header.Del("Content-Length")
	if resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read message", http.StatusBadRequest)
		return
	}

	data := &structpb.Value{}
	if err := protojson.Unmarshal(body, data); err != nil {
		http.Error(w, fmt.Sprintf("invalid message: %v", err), http.StatusBadRequest)
		return
	}

	err = s.reg.Message(r.Context(), data, r.URL.Query().Get("client"))
	s.writeDispatchResult(w, err)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	err := s.reg.Sync(r.Context(), tag)
	s.writeDispatchResult(w, err)
}

func (s *Server) writeDispatchResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, offline.ErrNoController):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error(err, "event dispatch failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleClients streams messages posted to one connected client as
// server-sent events. The client disconnects when the request ends.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = s.origin.String()
	}
	ep := s.reg.Connect(pageURL)
	defer func() {
		if err := s.reg.Disconnect(context.WithoutCancel(r.Context()), ep.ID()); err != nil {
			s.logger.Error(err, "failed to activate waiting worker", "client", ep.ID())
		}
	}()
	s.logger.V(1).Info("client connected", "client", ep.ID(), "url", pageURL)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Client-Id", ep.ID())
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", ep.ID())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ep.Messages():
			if !ok {
				return
			}
			data, err := protojson.Marshal(msg)
			if err != nil {
				s.logger.Error(err, "failed to encode message", "client", ep.ID())
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
