package tuner

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// discoverPayload is the exact shape HDHomeRun-aware media servers expect.
type discoverPayload struct {
	FriendlyName    string
	ModelNumber     string
	FirmwareName    string
	FirmwareVersion string
	DeviceID        string
	DeviceAuth      string
	BaseURL         string
	LineupURL       string
	GuideURL        string
	TunerCount      int
}

func (s *Server) serveDiscover(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	hd := s.Config.HDHomeRun
	out := discoverPayload{
		FriendlyName:    hd.FriendlyName,
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		FirmwareVersion: "20200101",
		DeviceID:        hd.DeviceID,
		DeviceAuth:      "exstreamtv",
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		GuideURL:        base + "/iptv/xmltv.xml",
		TunerCount:      hd.TunerCount,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) serveLineupStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

type lineupEntry struct {
	GuideNumber string
	GuideName   string
	URL         string
	HD          int
}

func (s *Server) serveLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Store.ListEnabledChannels(r.Context())
	if err != nil {
		http.Error(w, "lineup unavailable", http.StatusInternalServerError)
		return
	}
	base := s.baseURL(r)
	out := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		out = append(out, lineupEntry{
			GuideNumber: ch.Number,
			GuideName:   ch.GuideName(),
			URL:         fmt.Sprintf("%s/auto/v%s", base, ch.Number),
			HD:          1,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) serveDeviceXML(w http.ResponseWriter, r *http.Request) {
	hd := s.Config.HDHomeRun
	deviceXML := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>EXStreamTV</manufacturer>
    <modelName>HDTC-2US</modelName>
    <UDN>uuid:%s</UDN>
  </device>
</root>`, hd.FriendlyName, hd.DeviceID)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(deviceXML))
}
