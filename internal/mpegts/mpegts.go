// Package mpegts holds the small amount of transport-stream awareness the
// engine needs: locating the 0x47 sync pattern in a fresh FFmpeg output chunk
// and aligning hand-over points to packet boundaries.
package mpegts

// PacketSize is the fixed MPEG-TS packet length.
const PacketSize = 188

// SyncByte starts every transport packet.
const SyncByte = 0x47

// SyncWindow is how deep into a first chunk the sync pattern must appear for
// the chunk to be accepted (three packets).
const SyncWindow = 3 * PacketSize

// FindSync returns the offset of the first plausible packet boundary in b:
// a 0x47 that repeats at +188 and +376 where enough bytes exist. Returns -1
// when no boundary is found within SyncWindow.
func FindSync(b []byte) int {
	limit := len(b)
	if limit > SyncWindow {
		limit = SyncWindow
	}
	for off := 0; off < limit; off++ {
		if b[off] != SyncByte {
			continue
		}
		if validFrom(b, off) {
			return off
		}
	}
	return -1
}

// validFrom checks that every whole packet from off onward starts with the
// sync byte (up to three packets; trailing partial packets are ignored).
func validFrom(b []byte, off int) bool {
	checked := 0
	for i := off; i < len(b) && checked < 3; i += PacketSize {
		if b[i] != SyncByte {
			return false
		}
		checked++
	}
	return checked > 0
}

// ValidStart reports whether a first chunk passes the startup gate: non-empty
// and a packet boundary inside the sync window.
func ValidStart(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return FindSync(b) >= 0
}

// AlignDown truncates n to a whole number of packets.
func AlignDown(n int) int {
	return n - n%PacketSize
}

// CountPackets returns how many whole aligned packets start at off.
func CountPackets(b []byte, off int) int {
	if off < 0 || off > len(b) {
		return 0
	}
	n := 0
	for i := off; i+PacketSize <= len(b); i += PacketSize {
		if b[i] != SyncByte {
			break
		}
		n++
	}
	return n
}

// NullPacket returns one MPEG-TS null packet (PID 0x1FFF), used by the
// fallback source to keep client connections fed during recovery.
func NullPacket() []byte {
	p := make([]byte, PacketSize)
	p[0] = SyncByte
	p[1] = 0x1F
	p[2] = 0xFF
	p[3] = 0x10
	for i := 4; i < PacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}
