package sdp

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Header-extension URIs the engine understands; anything else offered
// is left out of the answer.
const (
	ExtMidURI         = "urn:ietf:params:rtp-hdrext:sdes:mid"
	ExtRidURI         = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	ExtRepairedRidURI = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
	ExtAudioLevelURI  = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	ExtTransportCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	ExtAbsSendTimeURI = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	ExtOrientationURI = "urn:3gpp:video-orientation"
)

var supportedExtensions = map[string]bool{
	ExtMidURI:         true,
	ExtRidURI:         true,
	ExtRepairedRidURI: true,
	ExtAudioLevelURI:  true,
	ExtTransportCCURI: true,
	ExtAbsSendTimeURI: true,
	ExtOrientationURI: true,
}

// DefaultAudioCodecs and DefaultVideoCodecs are the engine's local
// preference lists, most preferred first.
var DefaultAudioCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
		},
		PayloadType: 0,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMA,
			ClockRate: 8000,
		},
		PayloadType: 8,
	},
}

var videoRTCPFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "transport-cc"},
}

var DefaultVideoCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 102,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 98,
	},
}

// FormatPreference narrows codec selection for one media kind, e.g.
// {"h264"} forces H.264 even when the browser prefers VP8.
type FormatPreference []string

// AnswerParams carries the local side of the negotiation.
type AnswerParams struct {
	ICEUfrag        string
	ICEPwd          string
	Fingerprint     string
	FingerprintHash string
	// AudioPreference/VideoPreference restrict codec choice; empty means
	// the default preference order.
	AudioPreference FormatPreference
	VideoPreference FormatPreference
	// LocalSsrcs lists sending SSRCs per mid for subscriber m-lines.
	LocalSsrcs map[string][]uint32
	// Candidates gathered so far; may be empty when trickling.
	Candidates []Candidate
	CName      string
}

// SelectFormat picks the negotiated format for an offered m-line: the
// first locally-preferred codec the offer also carries.
func SelectFormat(offered []FormatSpec, kind string, pref FormatPreference) (FormatSpec, error) {
	locals := DefaultVideoCodecs
	if kind == "audio" {
		locals = DefaultAudioCodecs
	}
	matches := func(name string) (FormatSpec, bool) {
		for _, spec := range offered {
			if spec.Name() == name {
				return spec, true
			}
		}
		return FormatSpec{}, false
	}
	if len(pref) > 0 {
		for _, name := range pref {
			if spec, ok := matches(strings.ToLower(name)); ok {
				return spec, nil
			}
		}
		return FormatSpec{}, fmt.Errorf("no preferred %s format offered (want %v)", kind, pref)
	}
	for _, local := range locals {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(local.MimeType, "audio/"), "video/"))
		if spec, ok := matches(name); ok {
			return spec, nil
		}
	}
	return FormatSpec{}, fmt.Errorf("no common %s format", kind)
}

// Answer builds the structured local answer to a remote offer. The
// answer mirrors m-line order and mids, reverses directions, keeps only
// the chosen format per m-line, and intersects header extensions with
// the supported set.
func Answer(offer *SessionDescription, params AnswerParams) (*SessionDescription, error) {
	if !offer.IsBundle {
		return nil, fmt.Errorf("offer without bundle is not supported")
	}

	answer := &SessionDescription{
		IsBundle:        true,
		Fingerprint:     params.Fingerprint,
		FingerprintHash: params.FingerprintHash,
	}

	for _, remote := range offer.Medias {
		pref := params.VideoPreference
		if remote.Kind == "audio" {
			pref = params.AudioPreference
		}
		chosen, err := SelectFormat(remote.Formats, remote.Kind, pref)
		if err != nil {
			return nil, fmt.Errorf("mid %s: %w", remote.Mid, err)
		}

		setup := SetupPassive
		if remote.Setup == SetupPassive {
			setup = SetupActive
		}

		local := &MediaDesc{
			Index:           remote.Index,
			Kind:            remote.Kind,
			Mid:             remote.Mid,
			Direction:       remote.Direction.Reverse(),
			Formats:         []FormatSpec{chosen},
			Ssrcs:           params.LocalSsrcs[remote.Mid],
			ICEUfrag:        params.ICEUfrag,
			ICEPwd:          params.ICEPwd,
			Fingerprint:     params.Fingerprint,
			FingerprintHash: params.FingerprintHash,
			Setup:           setup,
			RtcpMux:         true,
			RtcpRsize:       remote.RtcpRsize,
			Extensions:      make(map[string]int),
			Candidates:      params.Candidates,
		}
		for uri, id := range remote.Extensions {
			if supportedExtensions[uri] {
				local.Extensions[uri] = id
			}
		}
		answer.BundleMids = append(answer.BundleMids, remote.Mid)
		answer.Medias = append(answer.Medias, local)
	}

	return answer, nil
}
