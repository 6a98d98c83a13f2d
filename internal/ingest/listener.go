// Package ingest receives detector output over UDP. Each datagram carries one
// JSON-encoded frame; the listener decodes it and drives the inspection
// pipeline on its own goroutine, so frame processing is single-threaded by
// construction.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/bottle.report/internal/inspect"
	"github.com/banshee-data/bottle.report/internal/monitoring"
)

// maxDatagramSize bounds one frame datagram. Frames with an embedded JPEG can
// get large, so this is well above the no-image case.
const maxDatagramSize = 1 << 16

// FrameProcessor consumes decoded frames. *inspect.Pipeline implements it.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, frame inspect.Frame) ([]inspect.Detection, error)
}

// Stats counts listener activity. Read with atomic loads from any goroutine.
type Stats struct {
	Frames     atomic.Int64
	Dropped    atomic.Int64
	Detections atomic.Int64
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
}

// UDPListener receives frame datagrams and feeds them to a FrameProcessor.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	processor   FrameProcessor
	stats       Stats
	conn        *net.UDPConn
	ready       chan struct{} // closed once the socket is bound
}

// NewUDPListener creates a listener feeding processor.
func NewUDPListener(config UDPListenerConfig, processor FrameProcessor) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		processor:   processor,
		ready:       make(chan struct{}),
	}
}

// Stats returns the listener's counters.
func (l *UDPListener) Stats() *Stats {
	return &l.stats
}

// Ready is closed once the socket is bound; LocalAddr is valid after that.
func (l *UDPListener) Ready() <-chan struct{} {
	return l.ready
}

// LocalAddr returns the bound address, or nil before Ready.
func (l *UDPListener) LocalAddr() net.Addr {
	select {
	case <-l.ready:
		return l.conn.LocalAddr()
	default:
		return nil
	}
}

// Start listens for frame datagrams until ctx is cancelled. Malformed or
// rejected frames are counted and logged, never fatal; only socket setup
// failures and cancellation end the loop.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.conn = conn
	close(l.ready)

	monitoring.Logf("frame listener started on %s", conn.LocalAddr())

	go l.startStatsLogging(ctx)

	buffer := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("frame listener stopping")
			return ctx.Err()
		default:
			// Short read deadline so cancellation is noticed promptly.
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.Logf("UDP read error: %v", err)
				continue
			}

			l.handleDatagram(ctx, buffer[:n])
		}
	}
}

// handleDatagram decodes one frame and runs it through the pipeline.
func (l *UDPListener) handleDatagram(ctx context.Context, data []byte) {
	var frame inspect.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		l.stats.Dropped.Add(1)
		monitoring.Logf("dropping undecodable frame datagram (%d bytes): %v", len(data), err)
		return
	}

	detections, err := l.processor.ProcessFrame(ctx, frame)
	if err != nil {
		l.stats.Dropped.Add(1)
		switch {
		case errors.Is(err, inspect.ErrSessionNotStarted):
			// Frames arriving before the operator starts a session are
			// expected; log at most once per stats interval via counters.
		case errors.Is(err, inspect.ErrInvalidFrame):
			monitoring.Logf("dropping invalid frame: %v", err)
		default:
			monitoring.Logf("frame processing error: %v", err)
		}
		return
	}

	l.stats.Frames.Add(1)
	l.stats.Detections.Add(int64(len(detections)))
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitoring.Logf("frame listener: %d frames, %d detections, %d dropped",
				l.stats.Frames.Load(), l.stats.Detections.Load(), l.stats.Dropped.Load())
		}
	}
}
