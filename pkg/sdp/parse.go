package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Parse converts a wire SDP body into the structured description.
func Parse(raw string) (*SessionDescription, error) {
	parsed := &pionsdp.SessionDescription{}
	if err := parsed.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("unmarshal sdp: %w", err)
	}

	desc := &SessionDescription{}

	// Session-level attributes
	sessionUfrag, _ := parsed.Attribute("ice-ufrag")
	sessionPwd, _ := parsed.Attribute("ice-pwd")
	if fp, ok := parsed.Attribute("fingerprint"); ok {
		desc.FingerprintHash, desc.Fingerprint = splitFingerprint(fp)
	}
	if group, ok := parsed.Attribute("group"); ok && strings.HasPrefix(group, "BUNDLE") {
		desc.IsBundle = true
		desc.BundleMids = strings.Fields(group)[1:]
	}
	if _, ok := parsed.Attribute("ice-lite"); ok {
		desc.ICELite = true
	}

	for i, media := range parsed.MediaDescriptions {
		kind := media.MediaName.Media
		if kind != "audio" && kind != "video" {
			continue
		}
		m := &MediaDesc{
			Index:      i,
			Kind:       kind,
			Direction:  SendRecv,
			ICEUfrag:   sessionUfrag,
			ICEPwd:     sessionPwd,
			Fingerprint:     desc.Fingerprint,
			FingerprintHash: desc.FingerprintHash,
			Setup:      SetupActpass,
			Extensions: make(map[string]int),
		}

		rtpmaps := make(map[uint8]webrtc.RTPCodecCapability)
		fmtps := make(map[uint8]string)
		fbs := make(map[uint8][]webrtc.RTCPFeedback)
		apts := make(map[uint8]uint8) // rtx pt -> associated pt

		for _, attr := range media.Attributes {
			switch attr.Key {
			case "mid":
				m.Mid = attr.Value
			case "msid":
				m.MsID = attr.Value
			case "sendrecv", "sendonly", "recvonly", "inactive":
				m.Direction = Direction(attr.Key)
			case "ice-ufrag":
				m.ICEUfrag = attr.Value
			case "ice-pwd":
				m.ICEPwd = attr.Value
			case "fingerprint":
				m.FingerprintHash, m.Fingerprint = splitFingerprint(attr.Value)
			case "setup":
				m.Setup = SetupRole(attr.Value)
			case "rtcp-mux":
				m.RtcpMux = true
			case "rtcp-rsize":
				m.RtcpRsize = true
			case "extmap":
				if id, uri, err := parseExtmap(attr.Value); err == nil {
					m.Extensions[uri] = id
				}
			case "rtpmap":
				pt, cap, err := parseRtpmap(kind, attr.Value)
				if err != nil {
					return nil, err
				}
				rtpmaps[pt] = cap
			case "fmtp":
				if pt, rest, ok := splitPT(attr.Value); ok {
					fmtps[pt] = rest
					// rtx association rides in fmtp apt=
					if strings.HasPrefix(rest, "apt=") {
						if apt, err := strconv.ParseUint(rest[4:], 10, 8); err == nil {
							apts[pt] = uint8(apt)
						}
					}
				}
			case "rtcp-fb":
				if pt, rest, ok := splitPT(attr.Value); ok {
					fields := strings.SplitN(rest, " ", 2)
					fb := webrtc.RTCPFeedback{Type: fields[0]}
					if len(fields) == 2 {
						fb.Parameter = fields[1]
					}
					fbs[pt] = append(fbs[pt], fb)
				}
			case "ssrc":
				fields := strings.Fields(attr.Value)
				if len(fields) > 0 {
					if ssrc, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
						if !containsSsrc(m.Ssrcs, uint32(ssrc)) {
							m.Ssrcs = append(m.Ssrcs, uint32(ssrc))
						}
					}
				}
			case "ssrc-group":
				// "FID primary rtx"
				fields := strings.Fields(attr.Value)
				if len(fields) == 3 && fields[0] == "FID" {
					if rtx, err := strconv.ParseUint(fields[2], 10, 32); err == nil {
						m.RtxSsrc = uint32(rtx)
					}
				}
			case "rid":
				// "a=rid:<id> recv ..."
				fields := strings.Fields(attr.Value)
				if len(fields) >= 1 {
					m.Rids = append(m.Rids, fields[0])
				}
			case "candidate":
				cand, err := ParseCandidate(attr.Value)
				if err != nil {
					return nil, fmt.Errorf("m-line %d: %w", i, err)
				}
				m.Candidates = append(m.Candidates, cand)
			}
		}

		// Assemble format specs in m-line order, folding repair payload
		// types (red/ulpfec/rtx) into their primary format.
		var redPT, ulpfecPT uint8
		for pt, cap := range rtpmaps {
			switch strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(cap.MimeType, "audio/"), "video/")) {
			case "red":
				redPT = pt
			case "ulpfec":
				ulpfecPT = pt
			}
		}
		for _, ptStr := range media.MediaName.Formats {
			pt64, err := strconv.ParseUint(ptStr, 10, 8)
			if err != nil {
				continue
			}
			pt := uint8(pt64)
			cap, ok := rtpmaps[pt]
			if !ok {
				continue
			}
			name := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(cap.MimeType, "audio/"), "video/"))
			if name == "red" || name == "ulpfec" || name == "rtx" {
				continue
			}
			cap.SDPFmtpLine = fmtps[pt]
			cap.RTCPFeedback = fbs[pt]
			spec := FormatSpec{
				PayloadType:       pt,
				Codec:             cap,
				RedPayloadType:    redPT,
				UlpfecPayloadType: ulpfecPT,
			}
			for rtxPT, apt := range apts {
				if apt == pt {
					spec.RtxPayloadType = rtxPT
				}
			}
			m.Formats = append(m.Formats, spec)
		}

		desc.Medias = append(desc.Medias, m)
	}

	if len(desc.Medias) == 0 {
		return nil, fmt.Errorf("sdp has no audio or video m-line")
	}
	return desc, nil
}

func splitFingerprint(value string) (hash, fp string) {
	fields := strings.Fields(value)
	if len(fields) == 2 {
		return fields[0], fields[1]
	}
	return "", value
}

func parseExtmap(value string) (int, string, error) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return 0, "", fmt.Errorf("short extmap: %q", value)
	}
	// id may carry a direction suffix "id/direction"
	idPart := fields[0]
	if i := strings.IndexByte(idPart, '/'); i >= 0 {
		idPart = idPart[:i]
	}
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return 0, "", fmt.Errorf("extmap id: %w", err)
	}
	return id, fields[1], nil
}

func parseRtpmap(kind, value string) (uint8, webrtc.RTPCodecCapability, error) {
	pt, rest, ok := splitPT(value)
	if !ok {
		return 0, webrtc.RTPCodecCapability{}, fmt.Errorf("bad rtpmap: %q", value)
	}
	// "<name>/<clock>[/<channels>]"
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return 0, webrtc.RTPCodecCapability{}, fmt.Errorf("bad rtpmap encoding: %q", value)
	}
	clock, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, webrtc.RTPCodecCapability{}, fmt.Errorf("rtpmap clock: %w", err)
	}
	cap := webrtc.RTPCodecCapability{
		MimeType:  kind + "/" + parts[0],
		ClockRate: uint32(clock),
	}
	if len(parts) == 3 {
		if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
			cap.Channels = uint16(ch)
		}
	}
	return pt, cap, nil
}

func splitPT(value string) (uint8, string, bool) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), fields[1], true
}

func containsSsrc(list []uint32, ssrc uint32) bool {
	for _, s := range list {
		if s == ssrc {
			return true
		}
	}
	return false
}
