package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoOffer = `v=0
o=- 4611731400430051336 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0
a=msid-semantic: WMS
m=video 9 UDP/TLS/RTP/SAVPF 102
c=IN IP4 0.0.0.0
a=ice-ufrag:abcd
a=ice-pwd:0123456789012345678901
a=ice-options:trickle
a=fingerprint:sha-256 3A:96:DD:6A:D2:EF:D5:BF:6A:04:3E:4A:9C:1B:E8:69:35:F0:35:3F:FC:2C:C8:9A:30:31:0A:43:36:F1:2A:BB
a=setup:actpass
a=mid:0
a=extmap:1 urn:ietf:params:rtp-hdrext:sdes:mid
a=extmap:3 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01
a=sendonly
a=rtcp-mux
a=rtpmap:102 H264/90000
a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f
a=rtcp-fb:102 nack
a=rtcp-fb:102 nack pli
a=ssrc:1111 cname:pubcam
a=candidate:4234997325 1 udp 2130706431 192.168.1.10 54321 typ host generation 0
`

func TestParseOffer(t *testing.T) {
	desc, err := Parse(videoOffer)
	require.NoError(t, err)

	assert.True(t, desc.IsBundle)
	assert.Equal(t, []string{"0"}, desc.BundleMids)
	require.Len(t, desc.Medias, 1)

	m := desc.Medias[0]
	assert.Equal(t, "video", m.Kind)
	assert.Equal(t, "0", m.Mid)
	assert.Equal(t, SendOnly, m.Direction)
	assert.Equal(t, "abcd", m.ICEUfrag)
	assert.Equal(t, "0123456789012345678901", m.ICEPwd)
	assert.Equal(t, SetupActpass, m.Setup)
	assert.True(t, m.RtcpMux)
	assert.Equal(t, []uint32{1111}, m.Ssrcs)
	assert.Equal(t, 1, m.ExtensionID(ExtMidURI))
	assert.Equal(t, 3, m.ExtensionID(ExtTransportCCURI))

	require.Len(t, m.Formats, 1)
	f := m.Formats[0]
	assert.Equal(t, uint8(102), f.PayloadType)
	assert.Equal(t, "h264", f.Name())
	assert.Equal(t, uint32(90000), f.Codec.ClockRate)
	assert.Contains(t, f.Codec.SDPFmtpLine, "packetization-mode=1")

	require.Len(t, m.Candidates, 1)
	cand := m.Candidates[0]
	assert.Equal(t, "192.168.1.10", cand.Address)
	assert.Equal(t, 54321, cand.Port)
	assert.Equal(t, "host", cand.Type)
}

func TestParseCandidateLine(t *testing.T) {
	cand, err := ParseCandidate("candidate:1 1 udp 2130706431 10.0.0.5 40000 typ host")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), cand.ComponentID)
	assert.Equal(t, "udp", cand.Protocol)
	assert.Equal(t, uint32(2130706431), cand.Priority)
	assert.Equal(t, "10.0.0.5", cand.Address)
	assert.Equal(t, 40000, cand.Port)
	assert.False(t, cand.IsIPv6())

	srflx, err := ParseCandidate("a=candidate:2 1 udp 1694498815 203.0.113.5 45000 typ srflx raddr 10.0.0.5 rport 40000")
	require.NoError(t, err)
	assert.Equal(t, "srflx", srflx.Type)
	assert.Equal(t, "10.0.0.5", srflx.RelAddr)
	assert.Equal(t, 40000, srflx.RelPort)

	v6, err := ParseCandidate("candidate:3 1 udp 1 2001:db8::1 4000 typ host")
	require.NoError(t, err)
	assert.True(t, v6.IsIPv6())

	_, err = ParseCandidate("candidate:short")
	assert.Error(t, err)
}

func TestCandidateMarshalRoundtrip(t *testing.T) {
	orig := Candidate{
		Foundation:  "4234997325",
		ComponentID: 1,
		Protocol:    "udp",
		Priority:    2130706431,
		Address:     "192.168.1.10",
		Port:        54321,
		Type:        "host",
	}
	parsed, err := ParseCandidate(orig.Marshal())
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

func TestSelectFormatPreference(t *testing.T) {
	offered := []FormatSpec{
		{PayloadType: 96, Codec: DefaultVideoCodecs[1].RTPCodecCapability}, // vp8
		{PayloadType: 102, Codec: DefaultVideoCodecs[0].RTPCodecCapability}, // h264
	}

	// Default preference order picks h264 first.
	spec, err := SelectFormat(offered, "video", nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(102), spec.PayloadType)

	// Explicit preference overrides.
	spec, err = SelectFormat(offered, "video", FormatPreference{"vp8"})
	require.NoError(t, err)
	assert.Equal(t, uint8(96), spec.PayloadType)

	_, err = SelectFormat(offered, "video", FormatPreference{"av1"})
	assert.Error(t, err)
}

func TestAnswerMirrorsOffer(t *testing.T) {
	offer, err := Parse(videoOffer)
	require.NoError(t, err)

	answer, err := Answer(offer, AnswerParams{
		ICEUfrag:        "wxyz",
		ICEPwd:          "9876543210987654321098",
		Fingerprint:     offer.Medias[0].Fingerprint,
		FingerprintHash: "sha-256",
		LocalSsrcs:      map[string][]uint32{},
		CName:           "sfu-test",
	})
	require.NoError(t, err)

	require.Len(t, answer.Medias, 1)
	m := answer.Medias[0]
	assert.Equal(t, "0", m.Mid)
	assert.Equal(t, RecvOnly, m.Direction, "sendonly offer answers recvonly")
	assert.Equal(t, SetupPassive, m.Setup, "actpass offer leaves us passive")
	assert.True(t, m.RtcpMux)
	require.Len(t, m.Formats, 1)
	assert.Equal(t, uint8(102), m.Formats[0].PayloadType)
	// Only supported extensions survive, keeping the offered ids.
	assert.Equal(t, 1, m.ExtensionID(ExtMidURI))
	assert.Equal(t, 3, m.ExtensionID(ExtTransportCCURI))
}

func TestAnswerRoundtrip(t *testing.T) {
	offer, err := Parse(videoOffer)
	require.NoError(t, err)

	params := AnswerParams{
		ICEUfrag:        "wxyz",
		ICEPwd:          "9876543210987654321098",
		Fingerprint:     offer.Medias[0].Fingerprint,
		FingerprintHash: "sha-256",
		Candidates: []Candidate{{
			Foundation:  "1",
			ComponentID: 1,
			Protocol:    "udp",
			Priority:    2130706431,
			Address:     "10.0.0.1",
			Port:        50000,
			Type:        "host",
		}},
	}
	answer, err := Answer(offer, params)
	require.NoError(t, err)

	body, err := answer.Marshal("sfu")
	require.NoError(t, err)
	assert.True(t, strings.Contains(body, "m=video"))
	assert.True(t, strings.Contains(body, "a=mid:0"))
	assert.True(t, strings.Contains(body, "10.0.0.1"))

	// Feeding the serialized answer back through the parser preserves
	// m-line order, mids and the codec choice.
	reparsed, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, reparsed.Medias, len(offer.Medias))
	for i, m := range reparsed.Medias {
		assert.Equal(t, offer.Medias[i].Mid, m.Mid)
		assert.Equal(t, offer.Medias[i].Kind, m.Kind)
		require.Len(t, m.Formats, 1)
		assert.Equal(t, uint8(102), m.Formats[0].PayloadType)
		assert.Equal(t, "h264", m.Formats[0].Name())
	}

	// Symmetric round two: answer the reparsed description with the
	// offerer's roles and check the codec choice is stable.
	second, err := Answer(reparsed, AnswerParams{
		ICEUfrag:        "abcd",
		ICEPwd:          "0123456789012345678901",
		Fingerprint:     offer.Medias[0].Fingerprint,
		FingerprintHash: "sha-256",
	})
	require.NoError(t, err)
	assert.Equal(t, "0", second.Medias[0].Mid)
	assert.Equal(t, uint8(102), second.Medias[0].Formats[0].PayloadType)
}

func TestAnswerRequiresBundle(t *testing.T) {
	offer, err := Parse(videoOffer)
	require.NoError(t, err)
	offer.IsBundle = false

	_, err = Answer(offer, AnswerParams{})
	assert.Error(t, err)
}
