package l1detections

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/holistic.report/internal/holistic"
)

// LineSource reads newline-delimited records from Reader. Blank lines and
// lines starting with '#' are ignored.
type LineSource struct {
	Reader io.Reader
	Name   string // used in log lines (default: "lines")

	stats Stats
}

// Stats returns the source counters.
func (s *LineSource) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Run reports each line until the reader is exhausted or ctx is done. It
// returns nil at EOF.
func (s *LineSource) Run(ctx context.Context, r holistic.Reporter) error {
	name := s.Name
	if name == "" {
		name = "lines"
	}
	scan := bufio.NewScanner(s.Reader)
	scan.Buffer(make([]byte, 0, 64*1024), 4*maxDatagram)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// Scan blocks, so it runs apart from the loop that watches ctx.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return fmt.Errorf("read %s: %w", name, err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("read %s: %w", name, err)
				default:
				}
				st := s.stats.Snapshot()
				log.Printf("[%s] End of input: %d reported, %d invalid, %d skipped", name, st.Reported, st.Invalid, st.Skipped)
				return nil
			}
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if err := deliver([]byte(trimmed), r, &s.stats); err != nil {
				holistic.Debugf("[%s] Rejected line: %v", name, err)
			}
		}
	}
}

// PortOptions describes the serial connection parameters for a detector
// co-processor.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialSource reads newline-delimited records from a serial port.
type SerialSource struct {
	LineSource

	mu   sync.Mutex
	port io.ReadCloser
}

// OpenSerial opens the port at path.
func OpenSerial(path string, opts PortOptions) (*SerialSource, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	log.Printf("[Serial] Opened %s at %d baud", path, mode.BaudRate)
	return newSerialSource(path, port), nil
}

func newSerialSource(path string, port io.ReadCloser) *SerialSource {
	return &SerialSource{
		LineSource: LineSource{Reader: port, Name: "Serial " + path},
		port:       port,
	}
}

// Close closes the port, which also ends a blocked Run.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
