package tuner

import (
	"fmt"
	"net/http"
	"strings"
)

// serveM3U renders the channel playlist with tvg attributes pointing back at
// this headend's guide and streams.
func (s *Server) serveM3U(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Store.ListEnabledChannels(r.Context())
	if err != nil {
		http.Error(w, "playlist unavailable", http.StatusInternalServerError)
		return
	}
	base := s.baseURL(r)

	w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, "#EXTM3U url-tvg=%q\n", base+"/iptv/xmltv.xml")

	for _, ch := range channels {
		name := strings.ReplaceAll(ch.Name, ",", " ")
		logo := absoluteLogo(ch.IconURL, base)
		fmt.Fprintf(w, "#EXTINF:-1 tvg-id=%q tvg-name=%q group-title=%q tvg-logo=%q,%s\n",
			ch.Number, name, ch.Group, logo, name)
		fmt.Fprintf(w, "%s/iptv/channel/%s.ts\n", base, ch.Number)
	}
}

func absoluteLogo(icon, base string) string {
	icon = strings.TrimSpace(icon)
	if icon == "" {
		return ""
	}
	if strings.HasPrefix(icon, "http://") || strings.HasPrefix(icon, "https://") {
		return icon
	}
	return base + "/" + strings.TrimPrefix(icon, "/")
}
