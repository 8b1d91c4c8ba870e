package channel

import (
	"time"

	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/ringbuf"
)

// fallbackWriter keeps subscriber connections fed with null transport
// packets while no FFmpeg child is producing output (admission queueing,
// crash recovery). Null packets are whole 188-byte units, so interleaving
// with real output never breaks packet alignment.
type fallbackWriter struct {
	stopCh chan struct{}
	done   chan struct{}
}

func startFallbackWriter(ring *ringbuf.Ring) *fallbackWriter {
	f := &fallbackWriter{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.run(ring)
	return f
}

func (f *fallbackWriter) run(ring *ringbuf.Ring) {
	defer close(f.done)
	// ~75 kbit/s of padding: enough to hold player connections open without
	// flooding the ring.
	burst := make([]byte, 0, 5*mpegts.PacketSize)
	pkt := mpegts.NullPacket()
	for i := 0; i < 5; i++ {
		burst = append(burst, pkt...)
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if _, err := ring.Write(burst); err != nil {
				return
			}
		}
	}
}

func (f *fallbackWriter) stop() {
	close(f.stopCh)
	<-f.done
}
