// Package tuner is the HDHomeRun-compatible HTTP surface: discovery,
// lineup, per-channel MPEG-TS streaming, the M3U playlist, and the XMLTV
// guide, plus the SSDP responder that lets media servers find the device.
package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/channel"
	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/internal/epg"
	"github.com/exstreamtv/exstreamtv/internal/session"
	"github.com/exstreamtv/exstreamtv/internal/store"
)

// Server wires the tuner endpoints to the engine.
type Server struct {
	Config   config.Config
	Store    *store.Store
	Channels *channel.Manager
	Sessions *session.Manager
	EPG      *epg.Projector
	Metrics  http.Handler
	Log      zerolog.Logger

	started time.Time
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/discover.json", s.serveDiscover)
	mux.HandleFunc("/lineup.json", s.serveLineup)
	mux.HandleFunc("/lineup_status.json", s.serveLineupStatus)
	mux.HandleFunc("/device.xml", s.serveDeviceXML)
	mux.HandleFunc("/auto/", s.serveAutoTune)
	mux.HandleFunc("/iptv/channel/", s.serveIPTVChannel)
	mux.HandleFunc("/iptv/playlist.m3u", s.serveM3U)
	mux.HandleFunc("/iptv/xmltv.xml", s.serveEPG)
	mux.HandleFunc("/hdhomerun/epg", s.serveEPG)
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
	return s.logRequests(mux)
}

// Serve runs the HTTP listener until ctx is cancelled, then drains.
// Satisfies suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	s.started = time.Now()
	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	srv := &http.Server{Addr: addr, Handler: s.Routes()}

	serverErr := make(chan error, 1)
	go func() {
		s.Log.Info().Str("addr", addr).Msg("tuner surface listening")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.Log.Warn().Err(err).Msg("http shutdown")
		}
		<-serverErr
		return ctx.Err()
	}
}

// baseURL computes the advertised base: configured public URL when present,
// otherwise the inbound request's scheme+host with loopback replaced by a
// best-effort LAN address.
func (s *Server) baseURL(r *http.Request) string {
	if pub := s.Config.Server.PublicURL; pub != "" {
		return strings.TrimSuffix(pub, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if h, port, err := net.SplitHostPort(host); err == nil {
		if ip := net.ParseIP(h); ip != nil && ip.IsLoopback() {
			if lan := lanIP(); lan != "" {
				host = net.JoinHostPort(lan, port)
			}
		}
	}
	return scheme + "://" + host
}

// lanIP picks the first global unicast IPv4 on an up interface.
func lanIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	streams := s.Channels.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_channels": len(streams),
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) serveEPG(w http.ResponseWriter, r *http.Request) {
	out, err := s.EPG.XMLTV(r.Context(), s.baseURL(r))
	if err != nil {
		s.Log.Error().Err(err).Msg("epg render failed")
		http.Error(w, "guide unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write(out)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", lw.bytes).
			Dur("dur", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}
