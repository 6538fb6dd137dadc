// Package l1detections owns Layer 1 (Detections) of the holistic data model.
//
// Responsibilities: decoding detector results from the wire and delivering
// them to a holistic.Reporter. Sources cover live UDP datagrams, replay of
// captured datagrams from PCAP files, and newline-delimited JSON from serial
// co-processors or any io.Reader.
// Key types: Record, UDPListener, PCAPSource, LineSource, SerialSource.
//
// Wire format, one JSON object per datagram or line:
//
//	{"ts":1000,"kind":"hands","absent":false,
//	 "sets":[{"handedness":"Left","points":[[x,y,z],[x,y,z,visibility],...]}]}
//
// Dependency rule: L1 may depend on the root holistic package only.
package l1detections
