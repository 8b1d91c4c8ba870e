package tuner

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// SSDP answers M-SEARCH probes so media servers discover the tuner without
// manual configuration.
type SSDP struct {
	BaseURL      string // advertised base; LOCATION points at <base>/device.xml
	DeviceID     string
	FriendlyName string
	Log          zerolog.Logger
}

var ssdpGroup = net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}

// Serve listens on :1900, joins the SSDP multicast group on every eligible
// interface, and responds to matching M-SEARCH requests until ctx ends.
// Satisfies suture.Service.
func (s *SSDP) Serve(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", ":1900")
	if err != nil {
		return fmt.Errorf("ssdp listen: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &ssdpGroup); err == nil {
			joined++
		}
	}
	s.Log.Info().Int("interfaces", joined).Msg("ssdp responder listening")

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.Log.Debug().Err(err).Msg("ssdp read")
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		msg := string(buf[:n])
		if !strings.Contains(msg, "M-SEARCH") {
			continue
		}
		if strings.Contains(msg, "ssdp:all") ||
			strings.Contains(msg, "urn:schemas-upnp-org:device:MediaServer:1") ||
			strings.Contains(msg, "urn:schemas-upnp-org:device:Basic:1") {
			resp := s.searchResponse()
			if _, err := conn.WriteTo([]byte(resp), udpAddr); err == nil {
				s.Log.Debug().Str("from", udpAddr.String()).Msg("ssdp m-search answered")
			}
		}
	}
}

func (s *SSDP) searchResponse() string {
	location := strings.TrimSuffix(s.BaseURL, "/") + "/device.xml"
	return strings.Join([]string{
		"HTTP/1.1 200 OK",
		"CACHE-CONTROL: max-age=1800",
		"EXT:",
		"LOCATION: " + location,
		"SERVER: EXStreamTV/1.0 UPnP/1.0",
		"ST: urn:schemas-upnp-org:device:MediaServer:1",
		"USN: uuid:" + s.DeviceID + "::urn:schemas-upnp-org:device:MediaServer:1",
		"", "",
	}, "\r\n")
}
