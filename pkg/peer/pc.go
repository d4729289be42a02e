package peer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/packet"
	"github.com/ethan/webrtc-sfu/pkg/sdp"
	"github.com/ethan/webrtc-sfu/pkg/transport"
	"github.com/ethan/webrtc-sfu/pkg/worker"
)

// Options configures one peer connection.
type Options struct {
	ConnectionID string
	Bundle       bool
	RtcpMux      bool
	Trickle      bool
	StunURI      string
	LocalIPs     []string
	PortMin      uint16
	PortMax      uint16

	AudioPreference sdp.FormatPreference
	VideoPreference sdp.FormatPreference

	// KeyframeRequestPeriod re-arms subscriber warm-up keyframe
	// requests; zero requests once.
	KeyframeRequestPeriod time.Duration
}

// Validate rejects unusable option combinations. The engine mandates
// bundle with rtcp-mux; the non-bundle read path is unsupported.
func (o *Options) Validate() error {
	if o.ConnectionID == "" {
		return fmt.Errorf("missing connection id")
	}
	if !o.Bundle {
		return fmt.Errorf("bundle is required")
	}
	if !o.RtcpMux {
		return fmt.Errorf("rtcp-mux is required")
	}
	if len(o.LocalIPs) == 0 {
		return fmt.Errorf("no local ip configured")
	}
	return nil
}

// Stats is a point-in-time snapshot of a peer's counters.
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	FramesForwarded uint64
	State           string
}

// PeerConnection owns the transport, SDP negotiation and media streams
// for one browser. All state is pinned to one worker; public entry
// points post onto it.
type PeerConnection struct {
	id       string
	opts     Options
	worker   *worker.Worker
	ioWorker *worker.IOWorker
	log      *logger.Logger
	listener EventListener

	transport *transport.DtlsTransport
	remoteSdp *sdp.SessionDescription

	streams     map[string]*MediaStream // composed id -> stream
	tracks      map[string]*Track       // composed id -> track
	ssrcToTrack map[uint32]*Track
	midToSsrc   map[string]uint32

	midExtID int
	ridExtID int

	state    Event
	sending  bool
	closed   atomic.Bool
	notified bool // a terminal event has been emitted

	localCandidates []sdp.Candidate

	// OnFrameSink receives frames when the in-process callback is
	// enabled (recording hooks).
	OnFrameSink  func(f *frame.Frame)
	sinkEnabled  bool
	sinkConsumer *callbackConsumer

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
	framesForwarded atomic.Uint64
}

// New validates options and binds the peer to its worker pair.
func New(opts Options, listener EventListener, w *worker.Worker, io *worker.IOWorker, log *logger.Logger) (*PeerConnection, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	pc := &PeerConnection{
		id:          opts.ConnectionID,
		opts:        opts,
		worker:      w,
		ioWorker:    io,
		log:         log.With("connection_id", opts.ConnectionID),
		listener:    listener,
		streams:     make(map[string]*MediaStream),
		tracks:      make(map[string]*Track),
		ssrcToTrack: make(map[uint32]*Track),
		midToSsrc:   make(map[string]uint32),
		state:       ConnInitial,
		sending:     true,
	}
	return pc, nil
}

// ID returns the connection id.
func (pc *PeerConnection) ID() string { return pc.id }

// Worker returns the worker this peer is pinned to.
func (pc *PeerConnection) Worker() *worker.Worker { return pc.worker }

// Init announces the initial state to the signaling layer.
func (pc *PeerConnection) Init() {
	pc.worker.Post(func() {
		pc.notify(ConnInitial, "", "")
	})
}

// Signalling dispatches a signaling message onto the worker.
func (pc *PeerConnection) Signalling(signal, content string) {
	switch signal {
	case "offer":
		pc.worker.Post(func() { pc.processOffer(content) })
	case "candidate":
		pc.worker.Post(func() { pc.addRemoteCandidate("", 0, content) })
	default:
		pc.log.Warn("unknown signalling message", "signal", signal)
	}
}

// AddRemoteCandidate feeds one trickled candidate; mLineIndex -1 marks
// the end of candidates.
func (pc *PeerConnection) AddRemoteCandidate(mid string, mLineIndex int, candidate string) {
	pc.worker.Post(func() { pc.addRemoteCandidate(mid, mLineIndex, candidate) })
}

// RemoveRemoteCandidate drops a previously signalled candidate from
// the remote set; mLineIndex -1 re-triggers checks on the remainder.
func (pc *PeerConnection) RemoveRemoteCandidate(mid string, mLineIndex int, candidate string) {
	pc.worker.Post(func() { pc.removeRemoteCandidate(mid, mLineIndex, candidate) })
}

func (pc *PeerConnection) processOffer(offerSdp string) {
	if pc.closed.Load() {
		return
	}
	pc.log.DebugSDPBody("offer", offerSdp)

	offer, err := sdp.Parse(offerSdp)
	if err != nil {
		pc.log.Error("offer parse failed", "error", err)
		pc.failNow("invalid offer: " + err.Error())
		return
	}
	if !offer.IsBundle {
		pc.failNow("offer without bundle")
		return
	}

	rebind := pc.remoteSdp != nil
	pc.remoteSdp = offer

	if !rebind {
		if err := pc.setupTransport(offer); err != nil {
			pc.log.Error("transport setup failed", "error", err)
			pc.failNow(err.Error())
			return
		}
		for _, media := range offer.Medias {
			if err := pc.processOfferMedia(media); err != nil {
				pc.log.Error("m-line processing failed", "mid", media.Mid, "error", err)
				pc.failNow(err.Error())
				return
			}
		}
	} else {
		// Renegotiation is limited to mid/ssrc rebinding: refresh the
		// stored description and clear stale ssrc bindings.
		for composed := range pc.midToSsrc {
			if t := pc.tracks[composed]; t != nil {
				delete(pc.ssrcToTrack, t.sourceSSRC)
				t.sourceSSRC = 0
			}
			delete(pc.midToSsrc, composed)
		}
	}

	pc.feedRemoteCandidates(offer)

	answer, err := pc.buildAnswer()
	if err != nil {
		pc.log.Error("answer build failed", "error", err)
		pc.failNow(err.Error())
		return
	}
	pc.notify(ConnSdpProcessed, answer, "")
}

func (pc *PeerConnection) setupTransport(offer *sdp.SessionDescription) error {
	first := offer.Medias[0]
	if first.ICEUfrag == "" || first.ICEPwd == "" {
		return fmt.Errorf("offer missing ice credentials")
	}

	// The answerer defaults to the passive DTLS role; only an
	// explicitly passive offerer flips us to client.
	isServer := first.Setup != sdp.SetupPassive

	pc.midExtID = first.ExtensionID(sdp.ExtMidURI)
	pc.ridExtID = first.ExtensionID(sdp.ExtRidURI)

	t, err := transport.NewDtlsTransport(transport.DtlsConfig{
		MediaType:    "video",
		ConnectionID: pc.id,
		Bundle:       true,
		RtcpMux:      true,
		IsServer:     isServer,
		Ice: transport.IceConfig{
			TransportName: "video",
			ConnectionID:  pc.id,
			LocalIPs:      pc.opts.LocalIPs,
			StunURI:       pc.opts.StunURI,
			PortMin:       pc.opts.PortMin,
			PortMax:       pc.opts.PortMax,
			LoggerFactory: &logger.PionFactory{Logger: pc.log},
		},
	}, pc, pc.worker, pc.ioWorker, pc.log)
	if err != nil {
		return err
	}
	pc.transport = t

	if err := t.Start(); err != nil {
		return err
	}
	if err := t.Ice().SetRemoteCredentials(first.ICEUfrag, first.ICEPwd); err != nil {
		return err
	}
	return nil
}

// processOfferMedia creates the tracks for one m-line. The remote
// direction decides the role: a sending remote makes this a publisher
// m-line, a receiving remote a subscriber one.
func (pc *PeerConnection) processOfferMedia(media *sdp.MediaDesc) error {
	if media.Mid == "" {
		pc.log.Warn("m-line without mid ignored", "index", media.Index)
		return nil
	}

	pref := pc.opts.VideoPreference
	if media.Kind == "audio" {
		pref = pc.opts.AudioPreference
	}
	spec, err := sdp.SelectFormat(media.Formats, media.Kind, pref)
	if err != nil {
		return err
	}

	isPublisher := media.Direction == sdp.SendOnly || media.Direction == sdp.SendRecv

	composedIDs := []string{media.Mid}
	if isPublisher && len(media.Rids) > 0 {
		composedIDs = composedIDs[:0]
		for _, rid := range media.Rids {
			composedIDs = append(composedIDs, media.Mid+":"+rid)
		}
	}

	for _, composed := range composedIDs {
		track := newTrack(pc, media, spec, composed, isPublisher, pc.log)
		pc.tracks[composed] = track
		pc.streams[composed] = newMediaStream(composed, media, track, isPublisher)
		if track.sourceSSRC != 0 {
			pc.ssrcToTrack[track.sourceSSRC] = track
			pc.midToSsrc[composed] = track.sourceSSRC
		}
	}

	pc.log.Info("m-line processed",
		"mid", media.Mid,
		"kind", media.Kind,
		"direction", string(media.Direction),
		"format", spec.Name(),
		"publisher", isPublisher,
		"rids", len(media.Rids))
	return nil
}

func (pc *PeerConnection) feedRemoteCandidates(desc *sdp.SessionDescription) {
	for _, media := range desc.Medias {
		if len(media.Candidates) == 0 {
			continue
		}
		if err := pc.transport.Ice().SetRemoteCandidates(media.Candidates, true); err != nil {
			pc.log.Warn("setting remote candidates", "error", err)
		}
		// bundle: one transport consumes the first m-line's candidates
		break
	}
}

func (pc *PeerConnection) addRemoteCandidate(mid string, mLineIndex int, candidate string) {
	if pc.transport == nil {
		pc.log.Warn("remote candidate before transport")
		return
	}
	if mLineIndex == -1 {
		pc.log.Debug("all remote candidates received")
		pc.transport.Ice().SetReceivedLastCandidate(true)
		return
	}
	cand, err := sdp.ParseCandidate(candidate)
	if err != nil {
		pc.log.Warn("bad remote candidate", "error", err)
		return
	}
	if err := pc.transport.Ice().SetRemoteCandidates([]sdp.Candidate{cand}, true); err != nil {
		pc.log.Warn("adding remote candidate", "error", err)
	}
	_ = mid
}

func (pc *PeerConnection) removeRemoteCandidate(_ string, mLineIndex int, candidate string) {
	if pc.remoteSdp == nil {
		return
	}
	if mLineIndex == -1 {
		// End of removals; re-feed the remaining candidate set.
		pc.feedRemoteCandidates(pc.remoteSdp)
		return
	}
	removed, err := sdp.ParseCandidate(candidate)
	if err != nil {
		return
	}
	for _, media := range pc.remoteSdp.Medias {
		kept := media.Candidates[:0]
		for _, c := range media.Candidates {
			if c.Address == removed.Address && c.Port == removed.Port &&
				c.ComponentID == removed.ComponentID && c.Protocol == removed.Protocol {
				continue
			}
			kept = append(kept, c)
		}
		media.Candidates = kept
	}
}

// buildAnswer assembles the local SDP from the transport credentials
// and the subscriber tracks' sending SSRCs.
func (pc *PeerConnection) buildAnswer() (string, error) {
	ufrag, pwd, err := pc.transport.Ice().LocalCredentials()
	if err != nil {
		return "", err
	}

	localSsrcs := make(map[string][]uint32)
	for _, track := range pc.tracks {
		if ssrc := track.SSRC(); ssrc != 0 {
			localSsrcs[track.Mid()] = append(localSsrcs[track.Mid()], ssrc)
		}
	}

	answer, err := sdp.Answer(pc.remoteSdp, sdp.AnswerParams{
		ICEUfrag:        ufrag,
		ICEPwd:          pwd,
		Fingerprint:     pc.transport.Fingerprint(),
		FingerprintHash: "sha-256",
		AudioPreference: pc.opts.AudioPreference,
		VideoPreference: pc.opts.VideoPreference,
		LocalSsrcs:      localSsrcs,
		Candidates:      pc.transport.Ice().LocalCandidates(),
		CName:           pc.id,
	})
	if err != nil {
		return "", err
	}
	body, err := answer.Marshal(pc.id)
	if err != nil {
		return "", err
	}
	pc.log.DebugSDPBody("answer", body)
	return body, nil
}

// write emits one protected packet toward the browser. Dropped after a
// failure or close.
func (pc *PeerConnection) write(data []byte) {
	if !pc.sending || pc.transport == nil {
		return
	}
	pc.packetsSent.Add(1)
	pc.transport.Write(data)
}

// OnTransportCandidate implements transport.TransportListener.
func (pc *PeerConnection) OnTransportCandidate(cand sdp.Candidate, _ *transport.DtlsTransport) {
	pc.localCandidates = append(pc.localCandidates, cand)
	if !pc.opts.Trickle || pc.remoteSdp == nil {
		return
	}
	for _, media := range pc.remoteSdp.Medias {
		pc.notify(ConnCandidate, candidateJSON(media.Mid, media.Index, cand.Marshal()), "")
	}
}

// OnTransportStateChange implements transport.TransportListener: the
// transport state composes into the connection lifecycle.
func (pc *PeerConnection) OnTransportStateChange(state transport.State, t *transport.DtlsTransport) {
	if pc.state == ConnFailed {
		return
	}

	switch state {
	case transport.StateStarted:
		pc.updateState(ConnStarted, "")
	case transport.StateGathered:
		if !pc.opts.Trickle {
			answer, err := pc.buildAnswer()
			if err != nil {
				pc.log.Error("answer build on gathered", "error", err)
				return
			}
			pc.updateState(ConnGathered, answer)
		}
	case transport.StateReady:
		pc.trackTransportInfo()
		pc.updateState(ConnReady, "")
		// Warm the pipeline: ask every publisher for a keyframe so new
		// subscribers start on an IDR.
		for _, track := range pc.tracks {
			if track.isPublisher && !track.IsAudio() {
				track.RequestKeyFrame(pc.opts.KeyframeRequestPeriod)
			}
		}
	case transport.StateFailed:
		pc.sending = false
		msg := t.ErrorCode().Code()
		pc.log.Error("transport failed", "code", msg)
		pc.updateState(ConnFailed, msg)
	}
}

func (pc *PeerConnection) trackTransportInfo() {
	_, remote, err := pc.transport.Ice().SelectedPair()
	if err != nil {
		return
	}
	for _, stream := range pc.streams {
		stream.SetTransportInfo(remote.Type)
	}
}

// OnTransportData implements transport.TransportListener: the per-peer
// demux above SRTP.
func (pc *PeerConnection) OnTransportData(p *packet.DataPacket, _ *transport.DtlsTransport) {
	if pc.state != ConnReady {
		return
	}
	if packet.IsRTCP(p.Data) {
		pc.routeRtcp(p)
		return
	}
	pc.routeRtp(p)
}

func (pc *PeerConnection) routeRtp(p *packet.DataPacket) {
	var header rtp.Header
	if _, err := header.Unmarshal(p.Data); err != nil {
		pc.log.DebugRTP("bad rtp header", "error", err)
		return
	}
	ssrc := header.SSRC

	// Learn the mid[:rid] -> ssrc binding from header extensions on
	// first sight.
	if track := pc.ssrcToTrack[ssrc]; track == nil && pc.midExtID != 0 {
		mid := string(header.GetExtension(uint8(pc.midExtID)))
		if mid != "" {
			composed := mid
			if pc.ridExtID != 0 {
				if rid := string(header.GetExtension(uint8(pc.ridExtID))); rid != "" {
					composed = mid + ":" + rid
				}
			}
			if t := pc.tracks[composed]; t != nil && pc.midToSsrc[composed] == 0 {
				t.BindSourceSSRC(ssrc)
				pc.midToSsrc[composed] = ssrc
				pc.ssrcToTrack[ssrc] = t
			}
		}
	}

	track := pc.ssrcToTrack[ssrc]
	if track == nil {
		pc.log.DebugRTP("rtp for unknown ssrc", "ssrc", ssrc)
		return
	}
	if track.IsAudio() {
		p.Type = packet.TypeAudio
	} else {
		p.Type = packet.TypeVideo
	}
	pc.packetsReceived.Add(1)
	track.OnTransportData(p)
}

// routeRtcp splits a compound packet and routes each report by SSRC:
// sender reports go to the matching publisher constructor, feedback
// addressed at our sending SSRCs goes to the packetizer. REMB is
// consumed at the connection level.
func (pc *PeerConnection) routeRtcp(p *packet.DataPacket) {
	pkts, err := rtcp.Unmarshal(p.Data)
	if err != nil {
		pc.log.DebugRTP("bad rtcp", "error", err)
		return
	}
	for _, pkt := range pkts {
		if remb, ok := pkt.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
			pc.log.DebugRTP("remb received", "bitrate", remb.Bitrate)
			continue
		}

		raw, err := pkt.Marshal()
		if err != nil {
			continue
		}

		switch typed := pkt.(type) {
		case *rtcp.SenderReport:
			if track := pc.ssrcToTrack[typed.SSRC]; track != nil {
				track.OnTransportData(packet.New(p.Component, p.Type, raw))
			}
		case *rtcp.SourceDescription, *rtcp.Goodbye:
			// Session-level chatter; nothing to route.
		default:
			for _, ssrc := range pkt.DestinationSSRC() {
				if track := pc.trackBySinkSSRC(ssrc); track != nil {
					track.OnRtcpForSink(raw)
					break
				}
				if track := pc.ssrcToTrack[ssrc]; track != nil {
					track.OnTransportData(packet.New(p.Component, p.Type, raw))
					break
				}
			}
		}
	}
}

func (pc *PeerConnection) trackBySinkSSRC(ssrc uint32) *Track {
	if ssrc == 0 {
		return nil
	}
	for _, track := range pc.tracks {
		if track.SSRC() == ssrc {
			return track
		}
	}
	return nil
}

// Subscribe wires the player's subscriber tracks behind this peer's
// publisher tracks, one per media kind. Idempotent.
func (pc *PeerConnection) Subscribe(playerTracks map[string]*Track) {
	pc.worker.Post(func() {
		if pc.closed.Load() {
			return
		}
		for _, sub := range playerTracks {
			if sub == nil || sub.Receiver() == nil {
				continue
			}
			pub := pc.publisherTrack(sub.kind)
			if pub == nil {
				pc.log.Warn("no publisher track for subscription", "kind", sub.kind)
				continue
			}
			pub.AddDestination(sub.workerReceiver())
			if !sub.IsAudio() {
				pub.RequestKeyFrame(0)
			}
		}
	})
}

// Unsubscribe severs a previous subscription. Idempotent.
func (pc *PeerConnection) Unsubscribe(playerTracks map[string]*Track) {
	pc.worker.Post(func() {
		for _, sub := range playerTracks {
			if sub == nil || sub.Receiver() == nil {
				continue
			}
			if pub := pc.publisherTrack(sub.kind); pub != nil {
				pub.RemoveDestination(sub.workerReceiver())
			}
		}
	})
}

// FrameCallback routes this peer's published frames to the in-process
// sink instead of (or in addition to) other peers.
func (pc *PeerConnection) FrameCallback(enable bool) {
	pc.worker.Post(func() {
		if enable == pc.sinkEnabled {
			return
		}
		pc.sinkEnabled = enable
		if enable && pc.sinkConsumer == nil {
			pc.sinkConsumer = &callbackConsumer{pc: pc}
		}
		for _, track := range pc.tracks {
			if !track.isPublisher {
				continue
			}
			if enable {
				track.AddDestination(pc.sinkConsumer)
			} else if pc.sinkConsumer != nil {
				track.RemoveDestination(pc.sinkConsumer)
			}
		}
		if !enable {
			pc.sinkConsumer = nil
		}
	})
}

func (pc *PeerConnection) publisherTrack(kind string) *Track {
	for _, track := range pc.tracks {
		if track.isPublisher && track.kind == kind {
			return track
		}
	}
	return nil
}

// Tracks snapshots the track map for the agent's subscribe wiring,
// keyed by media kind.
func (pc *PeerConnection) Tracks() map[string]*Track {
	out := make(map[string]*Track)
	pc.worker.Send(func() {
		for _, track := range pc.tracks {
			if !track.isPublisher {
				out[track.kind] = track
			}
		}
	})
	return out
}

// Stats snapshots the peer counters.
func (pc *PeerConnection) Stats() Stats {
	return Stats{
		PacketsReceived: pc.packetsReceived.Load(),
		PacketsSent:     pc.packetsSent.Load(),
		FramesForwarded: pc.framesForwarded.Load(),
		State:           pc.state.String(),
	}
}

func (pc *PeerConnection) updateState(event Event, message string) {
	if pc.state == event {
		return
	}
	if pc.state == ConnFailed || pc.state == ConnFinished {
		return
	}
	pc.state = event
	pc.log.Info("connection state", "state", event.String())
	pc.notify(event, message, "")
}

func (pc *PeerConnection) failNow(message string) {
	pc.sending = false
	pc.updateState(ConnFailed, message)
}

func (pc *PeerConnection) notify(event Event, message, streamID string) {
	if pc.listener == nil || pc.notified {
		return
	}
	if event.terminal() {
		pc.notified = true
	}
	pc.listener.NotifyEvent(event, message, streamID)
}

// Close tears the peer down: streams drain, transport timers cancel,
// the terminal state is announced once and the listener is dropped.
func (pc *PeerConnection) Close() {
	if !pc.closed.CompareAndSwap(false, true) {
		return
	}
	pc.worker.Send(func() {
		pc.sending = false
		for _, stream := range pc.streams {
			stream.Close()
		}
		if pc.transport != nil {
			pc.transport.Close()
		}
		if pc.state != ConnFailed {
			pc.state = ConnFinished
			pc.notify(ConnFinished, "", "")
		}
		pc.listener = nil
	})
}

// callbackConsumer delivers published frames to the peer's in-process
// sink.
type callbackConsumer struct {
	pc *PeerConnection
}

func (c *callbackConsumer) OnFrame(f *frame.Frame) {
	c.pc.framesForwarded.Add(1)
	if c.pc.OnFrameSink != nil {
		c.pc.OnFrameSink(f)
	}
}

func (c *callbackConsumer) Closed() bool              { return c.pc.closed.Load() || !c.pc.sinkEnabled }
func (c *callbackConsumer) SetSource(*frame.Source)   {}
