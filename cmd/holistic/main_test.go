package main

import (
	"path/filepath"
	"testing"

	"github.com/banshee-data/holistic.report/internal/holistic/l1detections"
	"github.com/banshee-data/holistic.report/internal/holistic/stream"
)

func TestFlagDefaults(t *testing.T) {
	if *listen != ":8080" {
		t.Errorf("listen default = %q, want :8080", *listen)
	}
	if *grpcListen != stream.DefaultListenAddr {
		t.Errorf("grpc-listen default = %q, want %q", *grpcListen, stream.DefaultListenAddr)
	}
	if *udpAddr != l1detections.DefaultUDPAddress {
		t.Errorf("udp-addr default = %q, want %q", *udpAddr, l1detections.DefaultUDPAddress)
	}
	if *pcapPort != l1detections.DefaultUDPPort {
		t.Errorf("pcap-port default = %d, want %d", *pcapPort, l1detections.DefaultUDPPort)
	}
	if *noAutostart {
		t.Error("the pipeline should start automatically by default")
	}
}

// setFlag overrides a flag value for the duration of the test.
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestOpenSources(t *testing.T) {
	t.Run("udp only", func(t *testing.T) {
		setFlag(t, udpAddr, "127.0.0.1:0")
		sources, err := openSources()
		if err != nil {
			t.Fatalf("openSources: %v", err)
		}
		if len(sources) != 1 {
			t.Fatalf("got %d sources, want 1", len(sources))
		}
		if _, ok := sources[0].(*l1detections.UDPListener); !ok {
			t.Errorf("source is %T, want *UDPListener", sources[0])
		}
	})

	t.Run("none", func(t *testing.T) {
		setFlag(t, udpAddr, "")
		sources, err := openSources()
		if err != nil {
			t.Fatalf("openSources: %v", err)
		}
		if len(sources) != 0 {
			t.Errorf("got %d sources, want 0", len(sources))
		}
	})

	t.Run("missing pcap", func(t *testing.T) {
		setFlag(t, udpAddr, "")
		setFlag(t, pcapFile, filepath.Join(t.TempDir(), "missing.pcap"))
		if _, err := openSources(); err == nil {
			t.Error("expected an error for a missing PCAP file")
		}
	})
}
