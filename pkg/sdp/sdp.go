// Package sdp converts between wire SDP and the structured description
// the session engine negotiates with. Parsing and serialization ride on
// pion/sdp; codec descriptors use the pion/webrtc capability types.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Direction of an m-line, from the remote point of view.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Reverse returns the direction the answering side advertises.
func (d Direction) Reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	default:
		return d
	}
}

// SetupRole is the DTLS role from a=setup.
type SetupRole string

const (
	SetupActpass SetupRole = "actpass"
	SetupActive  SetupRole = "active"
	SetupPassive SetupRole = "passive"
)

// FormatSpec describes one negotiated payload type on an m-line.
type FormatSpec struct {
	PayloadType uint8
	Codec       webrtc.RTPCodecCapability
	// Associated repair payload types, when offered.
	RtxPayloadType    uint8
	RedPayloadType    uint8
	UlpfecPayloadType uint8
}

// Name returns the lowercase encoding name (e.g. "h264", "opus").
func (f FormatSpec) Name() string {
	mime := f.Codec.MimeType
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		mime = mime[i+1:]
	}
	return strings.ToLower(mime)
}

// Candidate is one ICE candidate attribute in structured form.
type Candidate struct {
	Foundation  string
	ComponentID uint16
	Protocol    string
	Priority    uint32
	Address     string
	Port        int
	Type        string
	RelAddr     string
	RelPort     int
}

// IsIPv6 reports whether the candidate address is an IPv6 literal.
func (c Candidate) IsIPv6() bool {
	return strings.Contains(c.Address, ":")
}

// Marshal renders the candidate attribute value (without "a=").
func (c Candidate) Marshal() string {
	s := fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.ComponentID, strings.ToLower(c.Protocol),
		c.Priority, c.Address, c.Port, c.Type)
	if c.RelAddr != "" {
		s += fmt.Sprintf(" raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	return s
}

// ParseCandidate parses an "a=candidate:..." or "candidate:..." line.
func ParseCandidate(line string) (Candidate, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "a=")
	line = strings.TrimPrefix(line, "candidate:")
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("short candidate line: %q", line)
	}
	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate component: %w", err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate priority: %w", err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, fmt.Errorf("candidate port: %w", err)
	}
	cand := Candidate{
		Foundation:  fields[0],
		ComponentID: uint16(component),
		Protocol:    strings.ToLower(fields[2]),
		Priority:    uint32(priority),
		Address:     fields[4],
		Port:        port,
	}
	for i := 6; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "typ":
			cand.Type = fields[i+1]
		case "raddr":
			cand.RelAddr = fields[i+1]
		case "rport":
			cand.RelPort, _ = strconv.Atoi(fields[i+1])
		}
	}
	if cand.Type == "" {
		return Candidate{}, fmt.Errorf("candidate missing typ: %q", line)
	}
	return cand, nil
}

// MediaDesc is the structured form of one m-line.
type MediaDesc struct {
	Index     int
	Kind      string // "audio" or "video"
	Mid       string
	MsID      string
	Direction Direction
	Formats   []FormatSpec
	Ssrcs     []uint32
	RtxSsrc   uint32
	Rids      []string

	ICEUfrag        string
	ICEPwd          string
	Fingerprint     string
	FingerprintHash string
	Setup           SetupRole
	RtcpMux         bool
	RtcpRsize       bool
	// Extension URI -> negotiated id.
	Extensions map[string]int
	Candidates []Candidate
}

// ExtensionID returns the negotiated id for a header-extension URI, or
// 0 when the extension was not offered.
func (m *MediaDesc) ExtensionID(uri string) int {
	return m.Extensions[uri]
}

// FindFormat returns the format with the given payload type.
func (m *MediaDesc) FindFormat(pt uint8) (FormatSpec, bool) {
	for _, f := range m.Formats {
		if f.PayloadType == pt {
			return f, true
		}
	}
	return FormatSpec{}, false
}

// SessionDescription is the structured form of a full SDP body.
type SessionDescription struct {
	SessionID   uint64
	IsBundle    bool
	BundleMids  []string
	ICELite     bool
	Medias      []*MediaDesc
	Fingerprint string
	FingerprintHash string
}

// Media returns the m-line with the given mid.
func (s *SessionDescription) Media(mid string) *MediaDesc {
	for _, m := range s.Medias {
		if m.Mid == mid {
			return m
		}
	}
	return nil
}
