package tuner

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/exstreamtv/exstreamtv/internal/channel"
	"github.com/exstreamtv/exstreamtv/internal/ringbuf"
	"github.com/exstreamtv/exstreamtv/internal/session"
)

// serveAutoTune handles the HDHomeRun-style /auto/v<number> path.
func (s *Server) serveAutoTune(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/auto/")
	number, ok := strings.CutPrefix(rest, "v")
	if !ok || number == "" {
		http.NotFound(w, r)
		return
	}
	s.streamChannel(w, r, number)
}

// serveIPTVChannel handles /iptv/channel/<number>.ts and the .m3u8 alias.
func (s *Server) serveIPTVChannel(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/iptv/channel/")
	switch {
	case strings.HasSuffix(rest, ".ts"):
		s.streamChannel(w, r, strings.TrimSuffix(rest, ".ts"))
	case strings.HasSuffix(rest, ".m3u8"):
		s.serveVariantPlaylist(w, r, strings.TrimSuffix(rest, ".m3u8"))
	default:
		http.NotFound(w, r)
	}
}

// serveVariantPlaylist emits a single-variant playlist pointing at the TS
// endpoint, for players that insist on an HLS-looking URL.
func (s *Server) serveVariantPlaylist(w http.ResponseWriter, r *http.Request, number string) {
	if _, err := s.Store.GetChannelByNumber(r.Context(), number); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-STREAM-INF:BANDWIDTH=8000000\n%s/iptv/channel/%s.ts\n",
		s.baseURL(r), number)
}

// streamChannel resolves the channel, attaches a session, and relays MPEG-TS
// until the client disconnects.
func (s *Server) streamChannel(w http.ResponseWriter, r *http.Request, number string) {
	stream, err := s.Channels.GetStream(r.Context(), number)
	if err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			http.NotFound(w, r)
			return
		}
		s.Log.Error().Err(err).Str("channel", number).Msg("stream acquisition failed")
		http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
		return
	}

	ch := stream.Channel()
	sess, err := s.Sessions.Open(ch.ID, ch.Number, ch.StopOnIdle, stream.Subscribe())
	if err != nil {
		http.Error(w, "too many viewers", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, private")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			s.Sessions.Close(sess, session.CloseClientGone)
			return
		case <-sess.Done():
			return
		default:
		}

		n, err := sess.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.Sessions.Close(sess, session.CloseClientGone)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, ringbuf.ErrSlowReader):
				s.Sessions.Close(sess, session.CloseSlowReader)
			case errors.Is(err, io.EOF):
				s.Sessions.Close(sess, session.CloseChannelStopped)
			default:
				s.Sessions.Close(sess, session.CloseClientGone)
			}
			return
		}
	}
}
