package peer

import "fmt"

// Event is the peer lifecycle event surfaced to the signaling layer.
type Event uint8

const (
	ConnInitial Event = iota
	ConnStarted
	ConnGathered
	ConnReady
	ConnFinished
	ConnFailed
	ConnCandidate
	ConnSdpProcessed
)

func (e Event) String() string {
	switch e {
	case ConnInitial:
		return "CONN_INITIAL"
	case ConnStarted:
		return "CONN_STARTED"
	case ConnGathered:
		return "CONN_GATHERED"
	case ConnReady:
		return "CONN_READY"
	case ConnFinished:
		return "CONN_FINISHED"
	case ConnFailed:
		return "CONN_FAILED"
	case ConnCandidate:
		return "CONN_CANDIDATE"
	case ConnSdpProcessed:
		return "CONN_SDP_PROCESSED"
	default:
		return "CONN_UNKNOWN"
	}
}

// terminal reports whether the event ends the lifecycle.
func (e Event) terminal() bool {
	return e == ConnFinished || e == ConnFailed
}

// EventListener receives lifecycle events. Messages carry the local
// SDP (CONN_GATHERED, CONN_SDP_PROCESSED), a candidate JSON object
// (CONN_CANDIDATE) or an error description (CONN_FAILED).
type EventListener interface {
	NotifyEvent(event Event, message string, streamID string)
}

// candidateJSON renders the trickle payload handed to the signaling
// layer.
func candidateJSON(mid string, mLineIndex int, candidate string) string {
	return fmt.Sprintf(`{"candidate":"%s","sdpMLineIndex":"%d","sdpMid":"%s"}`,
		candidate, mLineIndex, mid)
}
