package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/peer"
)

const testOffer = `v=0
o=- 4611731400430051336 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0
a=msid-semantic: WMS
m=video 9 UDP/TLS/RTP/SAVPF 102
c=IN IP4 0.0.0.0
a=ice-ufrag:abcd
a=ice-pwd:0123456789012345678901
a=fingerprint:sha-256 3A:96:DD:6A:D2:EF:D5:BF:6A:04:3E:4A:9C:1B:E8:69:35:F0:35:3F:FC:2C:C8:9A:30:31:0A:43:36:F1:2A:BB
a=setup:actpass
a=mid:0
a=sendonly
a=rtcp-mux
a=rtpmap:102 H264/90000
a=ssrc:1111 cname:pubcam
`

type nopListener struct{}

func (nopListener) NotifyEvent(peer.Event, string, string) {}

type eventCollector struct {
	events chan peer.Event
}

func (c *eventCollector) NotifyEvent(e peer.Event, _, _ string) {
	select {
	case c.events <- e:
	default:
	}
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func openedAgent(t *testing.T) *Agent {
	t.Helper()
	a := New(testLog(t))
	require.NoError(t, a.Open(2, []string{"127.0.0.1"}, ""))
	t.Cleanup(a.Close)
	return a
}

func TestOpenValidation(t *testing.T) {
	a := New(testLog(t))
	err := a.Open(2, nil, "")
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestOpenIsIdempotentGuarded(t *testing.T) {
	a := openedAgent(t)
	err := a.Open(2, []string{"127.0.0.1"}, "")
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestCreatePeerDuplicateID(t *testing.T) {
	a := openedAgent(t)

	require.NoError(t, a.CreatePeer(PeerOptions{
		ConnectionID: "dup", Bundle: true, RtcpMux: true,
	}, testOffer, nopListener{}))

	err := a.CreatePeer(PeerOptions{
		ConnectionID: "dup", Bundle: true, RtcpMux: true,
	}, testOffer, nopListener{})
	assert.ErrorIs(t, err, ErrFound)
	assert.Equal(t, CodeFound, CodeOf(err))
}

func TestCreatePeerRejectsNoBundle(t *testing.T) {
	a := openedAgent(t)
	err := a.CreatePeer(PeerOptions{
		ConnectionID: "nb", Bundle: false, RtcpMux: true,
	}, testOffer, nopListener{})
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestCreatePeerEmitsLifecycle(t *testing.T) {
	a := openedAgent(t)
	col := &eventCollector{events: make(chan peer.Event, 16)}

	require.NoError(t, a.CreatePeer(PeerOptions{
		ConnectionID: "life", Bundle: true, RtcpMux: true,
	}, testOffer, col))

	deadline := time.After(5 * time.Second)
	var seen []peer.Event
	for {
		select {
		case e := <-col.events:
			seen = append(seen, e)
			if e == peer.ConnSdpProcessed {
				assert.Contains(t, seen, peer.ConnInitial)
				assert.Contains(t, seen, peer.ConnStarted)
				return
			}
		case <-deadline:
			t.Fatalf("no SDP_PROCESSED; saw %v", seen)
		}
	}
}

func TestDestroyPeerUnknown(t *testing.T) {
	a := openedAgent(t)
	err := a.DestroyPeer("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestDestroyPeerUnregistersSynchronously(t *testing.T) {
	a := openedAgent(t)
	require.NoError(t, a.CreatePeer(PeerOptions{
		ConnectionID: "gone", Bundle: true, RtcpMux: true,
	}, testOffer, nopListener{}))
	require.Equal(t, 1, a.PeerCount())

	require.NoError(t, a.DestroyPeer("gone"))
	assert.Equal(t, 0, a.PeerCount())
	assert.ErrorIs(t, a.DestroyPeer("gone"), ErrNotFound)
}

func TestSubscribeValidation(t *testing.T) {
	a := openedAgent(t)

	assert.ErrorIs(t, a.Subscribe("", "x"), ErrInvalidParam)
	assert.ErrorIs(t, a.Subscribe("nope", "nope2"), ErrNotFound)

	require.NoError(t, a.CreatePeer(PeerOptions{
		ConnectionID: "pub", Bundle: true, RtcpMux: true,
	}, testOffer, nopListener{}))
	assert.ErrorIs(t, a.Subscribe("pub", "ghost"), ErrNotFound)
}

func TestSubscribeSelfEnablesFrameCallback(t *testing.T) {
	a := openedAgent(t)
	require.NoError(t, a.CreatePeer(PeerOptions{
		ConnectionID: "rec", Bundle: true, RtcpMux: true,
	}, testOffer, nopListener{}))

	require.NoError(t, a.SetFrameSink("rec", func(*frame.Frame) {}))
	require.NoError(t, a.Subscribe("rec", "rec"))
	require.NoError(t, a.Unsubscribe("rec", "rec"))
	assert.ErrorIs(t, a.SetFrameSink("ghost", nil), ErrNotFound)
}

func TestCodeMapping(t *testing.T) {
	assert.Equal(t, CodeOK, CodeOf(nil))
	assert.Equal(t, CodeInvalidParam, CodeOf(ErrInvalidParam))
	assert.Equal(t, CodeNotFound, CodeOf(ErrNotFound))
	assert.Equal(t, CodeFound, CodeOf(ErrFound))
	assert.Equal(t, CodeAlreadyInitialized, CodeOf(ErrAlreadyInitialized))
	assert.Equal(t, CodeFailed, CodeOf(ErrFailed))
}
