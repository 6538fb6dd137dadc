package l1detections

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/holistic.report/internal/holistic"
)

const (
	// DefaultUDPPort is where detector co-processors send results.
	DefaultUDPPort    = 7710
	DefaultUDPAddress = ":7710"
	// maxDatagram fits a full face set with four decimals per coordinate.
	maxDatagram = 64 * 1024
)

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string        // listen address (default: ":7710")
	RcvBuf      int           // socket receive buffer in bytes, 0 keeps the OS default
	LogInterval time.Duration // stats log period (default: 1m)
}

// UDPListener receives detector results as JSON datagrams.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       Stats

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	if config.Address == "" {
		config.Address = DefaultUDPAddress
	}
	if config.LogInterval <= 0 {
		config.LogInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: config.LogInterval,
	}
}

// Listen binds the socket. Run calls it when needed; calling it first lets
// callers learn the bound address.
func (l *UDPListener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("[UDPListener] Failed to set receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	l.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stats returns the listener counters.
func (l *UDPListener) Stats() StatsSnapshot { return l.stats.Snapshot() }

// Run receives datagrams and reports them until ctx is done. The socket is
// closed when Run returns.
func (l *UDPListener) Run(ctx context.Context, r holistic.Reporter) error {
	if err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		conn.Close()
		l.conn = nil
		l.mu.Unlock()
	}()

	log.Printf("[UDPListener] Listening for detections on %s", conn.LocalAddr())
	go l.logStats(ctx)

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Short deadline so cancellation is noticed.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[UDPListener] Read error: %v", err)
			continue
		}

		if err := deliver(buf[:n], r, &l.stats); err != nil {
			holistic.Debugf("[UDPListener] Rejected datagram from %v: %v", from, err)
		}
	}
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := l.stats.Snapshot()
			log.Printf("[UDPListener] %d datagrams (%d bytes): %d reported, %d invalid, %d skipped",
				s.Messages, s.Bytes, s.Reported, s.Invalid, s.Skipped)
		}
	}
}
