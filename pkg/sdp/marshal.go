package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Marshal renders the structured description back into wire SDP. CName
// labels the ssrc lines; a zero value falls back to "sfu".
func (s *SessionDescription) Marshal(cname string) (string, error) {
	if cname == "" {
		cname = "sfu"
	}

	doc := &pionsdp.SessionDescription{
		Version: 0,
		Origin: pionsdp.Origin{
			Username:       "-",
			SessionID:      s.SessionID,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "sfu-session",
		TimeDescriptions: []pionsdp.TimeDescription{
			{Timing: pionsdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	if s.IsBundle && len(s.BundleMids) > 0 {
		doc.Attributes = append(doc.Attributes,
			pionsdp.NewAttribute("group", "BUNDLE "+strings.Join(s.BundleMids, " ")))
	}
	doc.Attributes = append(doc.Attributes,
		pionsdp.NewAttribute("msid-semantic", " WMS *"))

	for _, m := range s.Medias {
		media, err := marshalMedia(m, cname)
		if err != nil {
			return "", err
		}
		doc.MediaDescriptions = append(doc.MediaDescriptions, media)
	}

	out, err := doc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

func marshalMedia(m *MediaDesc, cname string) (*pionsdp.MediaDescription, error) {
	var formats []string
	for _, f := range m.Formats {
		formats = append(formats, strconv.Itoa(int(f.PayloadType)))
		if f.RtxPayloadType != 0 {
			formats = append(formats, strconv.Itoa(int(f.RtxPayloadType)))
		}
		if f.RedPayloadType != 0 {
			formats = append(formats, strconv.Itoa(int(f.RedPayloadType)))
		}
		if f.UlpfecPayloadType != 0 {
			formats = append(formats, strconv.Itoa(int(f.UlpfecPayloadType)))
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("mid %s has no formats", m.Mid)
	}

	media := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   m.Kind,
			Port:    pionsdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: formats,
		},
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: "0.0.0.0"},
		},
	}

	attr := func(key, value string) {
		media.Attributes = append(media.Attributes, pionsdp.NewAttribute(key, value))
	}

	attr("mid", m.Mid)
	if m.ICEUfrag != "" {
		attr("ice-ufrag", m.ICEUfrag)
		attr("ice-pwd", m.ICEPwd)
	}
	if m.Fingerprint != "" {
		hash := m.FingerprintHash
		if hash == "" {
			hash = "sha-256"
		}
		attr("fingerprint", hash+" "+m.Fingerprint)
	}
	attr("setup", string(m.Setup))
	attr(string(m.Direction), "")
	if m.RtcpMux {
		attr("rtcp-mux", "")
	}
	if m.RtcpRsize {
		attr("rtcp-rsize", "")
	}
	for uri, id := range m.Extensions {
		attr("extmap", fmt.Sprintf("%d %s", id, uri))
	}

	for _, f := range m.Formats {
		name := f.Name()
		clock := strconv.FormatUint(uint64(f.Codec.ClockRate), 10)
		enc := name + "/" + clock
		if f.Codec.Channels > 1 {
			enc += "/" + strconv.FormatUint(uint64(f.Codec.Channels), 10)
		}
		attr("rtpmap", fmt.Sprintf("%d %s", f.PayloadType, enc))
		if f.Codec.SDPFmtpLine != "" {
			attr("fmtp", fmt.Sprintf("%d %s", f.PayloadType, f.Codec.SDPFmtpLine))
		}
		for _, fb := range f.Codec.RTCPFeedback {
			value := fb.Type
			if fb.Parameter != "" {
				value += " " + fb.Parameter
			}
			attr("rtcp-fb", fmt.Sprintf("%d %s", f.PayloadType, value))
		}
		if f.RtxPayloadType != 0 {
			attr("rtpmap", fmt.Sprintf("%d rtx/%s", f.RtxPayloadType, clock))
			attr("fmtp", fmt.Sprintf("%d apt=%d", f.RtxPayloadType, f.PayloadType))
		}
		if f.RedPayloadType != 0 {
			attr("rtpmap", fmt.Sprintf("%d red/%s", f.RedPayloadType, clock))
		}
		if f.UlpfecPayloadType != 0 {
			attr("rtpmap", fmt.Sprintf("%d ulpfec/%s", f.UlpfecPayloadType, clock))
		}
	}

	for _, rid := range m.Rids {
		attr("rid", rid+" recv")
	}

	for _, ssrc := range m.Ssrcs {
		attr("ssrc", fmt.Sprintf("%d cname:%s", ssrc, cname))
	}
	if m.RtxSsrc != 0 && len(m.Ssrcs) > 0 {
		attr("ssrc-group", fmt.Sprintf("FID %d %d", m.Ssrcs[0], m.RtxSsrc))
		attr("ssrc", fmt.Sprintf("%d cname:%s", m.RtxSsrc, cname))
	}

	for _, cand := range m.Candidates {
		attr("candidate", strings.TrimPrefix(cand.Marshal(), "candidate:"))
	}
	if len(m.Candidates) > 0 {
		attr("end-of-candidates", "")
	}

	return media, nil
}
