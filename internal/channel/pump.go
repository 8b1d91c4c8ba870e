package channel

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/ringbuf"
)

// pump copies one child's stdout into the ring buffer. The first chunk must
// pass TS sync validation; every write is aligned to whole 188-byte packets
// so any ring offset a subscriber lands on is a packet boundary.
type pump struct {
	child   Child
	ring    *ringbuf.Ring
	metrics *metrics.Metrics
	label   string

	begun atomic.Bool
	carry []byte
}

func newPump(child Child, ring *ringbuf.Ring, m *metrics.Metrics, label string) *pump {
	return &pump{child: child, ring: ring, metrics: m, label: label}
}

// started reports whether validated output has reached the ring.
func (p *pump) started() bool { return p.begun.Load() }

// run copies until stdout closes. Returns nil on EOF, errBadSync when the
// stream never validated, or the ring write error.
func (p *pump) run() error {
	buf := make([]byte, 64*1024)
	var head []byte // accumulates until sync validation passes

	for {
		n, err := p.child.Stdout().Read(buf)
		if n > 0 {
			p.child.NoteOutput(n)
			chunk := buf[:n]
			if !p.begun.Load() {
				head = append(head, chunk...)
				off := mpegts.FindSync(head)
				if off < 0 {
					if len(head) >= mpegts.SyncWindow {
						return errBadSync
					}
					// Not enough bytes to judge yet.
					continue
				}
				chunk = head[off:]
				head = nil
				p.begun.Store(true)
			}
			if werr := p.write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				if !p.begun.Load() && len(head) > 0 {
					return errBadSync
				}
				return nil
			}
			// Stdout read errors after exit show up as closed-file errors;
			// treat anything once output begun as end-of-stream and let the
			// exit status decide.
			if p.begun.Load() {
				return nil
			}
			return err
		}
	}
}

// write pushes whole packets into the ring, carrying partial tails to the
// next call.
func (p *pump) write(chunk []byte) error {
	if len(p.carry) > 0 {
		chunk = append(p.carry, chunk...)
		p.carry = nil
	}
	aligned := mpegts.AlignDown(len(chunk))
	if aligned < len(chunk) {
		p.carry = append(p.carry, chunk[aligned:]...)
	}
	if aligned == 0 {
		return nil
	}
	if _, err := p.ring.Write(chunk[:aligned]); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.ProcessOutBytes.WithLabelValues(p.label).Add(float64(aligned))
	}
	return nil
}
