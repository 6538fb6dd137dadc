package l1detections

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/holistic.report/internal/holistic"
)

// PCAPSource replays detector datagrams captured in a PCAP file.
type PCAPSource struct {
	Path string
	Port int // UDP destination port to replay, 0 replays every UDP packet
	// Speed scales the capture's inter-packet gaps: 1 replays in real time,
	// 2 twice as fast. 0 replays as fast as possible.
	Speed float64

	stats Stats
}

// Stats returns the replay counters.
func (s *PCAPSource) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Run opens the capture and replays it once. It returns nil at the end of
// the file.
func (s *PCAPSource) Run(ctx context.Context, r holistic.Reporter) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.Path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, s.Port, s.Speed, r, &s.stats)
}

// ReplayPCAP reads a classic PCAP stream and reports the JSON payload of each
// UDP packet sent to port. stats may be nil.
func ReplayPCAP(ctx context.Context, in io.Reader, port int, speed float64, r holistic.Reporter, stats *Stats) error {
	if stats == nil {
		stats = &Stats{}
	}
	reader, err := pcapgo.NewReader(in)
	if err != nil {
		return fmt.Errorf("read PCAP header: %w", err)
	}

	start := time.Now()
	var firstCapture time.Time
	packets := 0
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[PCAP] Replay stopping due to context cancellation (processed %d packets)", packets)
			return err
		}

		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			log.Printf("[PCAP] Replay complete: %d packets in %v", packets, time.Since(start))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read PCAP packet %d: %w", packets+1, err)
		}
		packets++

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if port != 0 && int(udp.DstPort) != port {
			continue
		}

		if speed > 0 {
			if firstCapture.IsZero() {
				firstCapture = ci.Timestamp
			}
			due := start.Add(time.Duration(float64(ci.Timestamp.Sub(firstCapture)) / speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		if err := deliver(udp.Payload, r, stats); err != nil {
			holistic.Debugf("[PCAP] Packet %d rejected: %v", packets, err)
		}
	}
}

// WritePCAP writes payloads as UDP/IPv4 packets to port in a classic PCAP
// stream, spaced interval apart. It is used to build replay fixtures.
func WritePCAP(w io.Writer, port int, start time.Time, interval time.Duration, payloads [][]byte) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(maxDatagram, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write PCAP header: %w", err)
	}

	for i, payload := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       []byte{0x02, 0, 0, 0, 0, 1},
			DstMAC:       []byte{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    []byte{192, 168, 1, 10},
			DstIP:    []byte{192, 168, 1, 20},
		}
		udp := &layers.UDP{SrcPort: layers.UDPPort(40000), DstPort: layers.UDPPort(port)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
			return fmt.Errorf("serialise packet %d: %w", i, err)
		}

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * interval),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := pw.WritePacket(ci, data); err != nil {
			return fmt.Errorf("write packet %d: %w", i, err)
		}
	}
	return nil
}
