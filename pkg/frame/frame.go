package frame

// Kind tags the three dataflow planes of the pipeline.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
	KindData
)

// Format identifies the codec payload carried by a Frame.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatPCMU
	FormatPCMA
	FormatOpus
	FormatAAC
	FormatH264
	FormatVP8
	FormatVP9
	FormatData
)

// Kind returns the plane a format belongs to.
func (f Format) Kind() Kind {
	switch f {
	case FormatPCMU, FormatPCMA, FormatOpus, FormatAAC:
		return KindAudio
	case FormatH264, FormatVP8, FormatVP9:
		return KindVideo
	default:
		return KindData
	}
}

func (f Format) String() string {
	switch f {
	case FormatPCMU:
		return "pcmu"
	case FormatPCMA:
		return "pcma"
	case FormatOpus:
		return "opus"
	case FormatAAC:
		return "aac"
	case FormatH264:
		return "h264"
	case FormatVP8:
		return "vp8"
	case FormatVP9:
		return "vp9"
	case FormatData:
		return "data"
	default:
		return "unknown"
	}
}

// AudioInfo carries audio side data on a Frame.
type AudioInfo struct {
	Channels    int
	SampleRate  int
	Level       uint8 // dBov from the audio-level extension
	Voice       bool  // voice-activity bit
	IsRTPPacket bool  // payload is a full RTP packet, not a bare codec frame
}

// VideoInfo carries video side data on a Frame.
type VideoInfo struct {
	Width      int
	Height     int
	IsKeyFrame bool
}

// Frame is the unit above the packet layer: one codec-level access unit
// plus timing and side info.
type Frame struct {
	Format    Format
	Payload   []byte
	Timestamp uint32 // RTP clock units
	NtpTimeMs int64  // derived from sender reports; -1 when unknown
	Audio     AudioInfo
	Video     VideoInfo
}

// FeedbackType routes a feedback message to the matching source plane.
type FeedbackType uint8

const (
	AudioFeedback FeedbackType = iota
	VideoFeedback
)

// FeedbackCmd is the request carried by a FeedbackMsg.
type FeedbackCmd uint8

const (
	RequestKeyFrame FeedbackCmd = iota
	SetBitrate
	RTCPPacket
)

// FeedbackMsg flows upstream from consumers to the producing side.
type FeedbackMsg struct {
	Type FeedbackType
	Cmd  FeedbackCmd
	Kbps uint32
	RTCP []byte
}
