package transport

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/pion/srtp/v3"

	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/packet"
	"github.com/ethan/webrtc-sfu/pkg/sdp"
	"github.com/ethan/webrtc-sfu/pkg/worker"
)

const (
	maxTimeoutChecks       = 15
	timeoutCheckInterval   = time.Second
	minProtectedPacketSize = 10
)

// TransportListener receives transport events on the owning worker.
type TransportListener interface {
	OnTransportData(p *packet.DataPacket, t *DtlsTransport)
	OnTransportCandidate(cand sdp.Candidate, t *DtlsTransport)
	OnTransportStateChange(state State, t *DtlsTransport)
}

// DtlsConfig configures one DTLS transport.
type DtlsConfig struct {
	MediaType    string // transport name: "video" or "audio"
	ConnectionID string
	Bundle       bool
	RtcpMux      bool
	// IsServer is true when the remote offered a=setup:actpass or
	// active, leaving the passive role to us.
	IsServer bool
	Ice      IceConfig
}

// DtlsTransport runs DTLS over the ICE connection, demuxes inbound
// bytes into DTLS vs SRTP, derives SRTP keys on handshake completion
// and protects outbound RTP/RTCP once keys are in place.
type DtlsTransport struct {
	name         string
	connectionID string
	bundle       bool
	rtcpMux      bool
	isServer     bool

	worker   *worker.Worker
	ioWorker *worker.IOWorker
	log      *logger.Logger
	listener TransportListener

	ice      *IceConnection
	endpoint *dtlsEndpoint
	dtlsConn *dtls.Conn

	cert            tls.Certificate
	fingerprintSHA  string
	srtpProfile     srtp.ProtectionProfile
	srtpChannel     *SrtpChannel
	handshakeDone   bool
	handshakeCtx    context.Context
	handshakeCancel context.CancelFunc

	checker *timeoutChecker

	state     State
	errorCode ErrorCode
	running   bool
}

// NewDtlsTransport builds the transport and its ICE connection. Start
// begins gathering.
func NewDtlsTransport(cfg DtlsConfig, listener TransportListener, w *worker.Worker, io *worker.IOWorker, log *logger.Logger) (*DtlsTransport, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}
	x509cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse dtls certificate: %w", err)
	}
	fp, err := fingerprint.Fingerprint(x509cert, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("fingerprint dtls certificate: %w", err)
	}

	t := &DtlsTransport{
		name:           cfg.MediaType,
		connectionID:   cfg.ConnectionID,
		bundle:         cfg.Bundle,
		rtcpMux:        cfg.RtcpMux,
		isServer:       cfg.IsServer,
		worker:         w,
		ioWorker:       io,
		log:            log.With("component", "dtls", "transport", cfg.MediaType, "connection_id", cfg.ConnectionID),
		listener:       listener,
		cert:           cert,
		fingerprintSHA: fp,
		srtpProfile:    srtp.ProtectionProfileAes128CmHmacSha1_80,
		state:          StateInitial,
		running:        true,
	}
	t.handshakeCtx, t.handshakeCancel = context.WithCancel(context.Background())
	t.endpoint = newDtlsEndpoint(func(b []byte) (int, error) {
		return t.ice.SendData(packet.ComponentRTP, b)
	})
	t.checker = &timeoutChecker{transport: t}

	ic, err := NewIceConnection(cfg.Ice, t, w, io, log)
	if err != nil {
		return nil, err
	}
	t.ice = ic
	return t, nil
}

// Start begins ICE gathering and reports the transport as started.
func (t *DtlsTransport) Start() error {
	t.log.Debug("starting ice")
	if err := t.ice.Start(); err != nil {
		return err
	}
	t.updateState(StateStarted)
	return nil
}

// Fingerprint returns the local certificate's SHA-256 fingerprint for
// the answer SDP.
func (t *DtlsTransport) Fingerprint() string { return t.fingerprintSHA }

// Ice exposes the underlying ICE connection for credential and
// candidate plumbing.
func (t *DtlsTransport) Ice() *IceConnection { return t.ice }

// State returns the current transport state.
func (t *DtlsTransport) State() State { return t.state }

// ErrorCode returns the failure class after StateFailed.
func (t *DtlsTransport) ErrorCode() ErrorCode { return t.errorCode }

// Name returns the transport name ("video" or "audio").
func (t *DtlsTransport) Name() string { return t.name }

// Write protects and emits one RTP or RTCP packet. A no-op before the
// transport is READY.
func (t *DtlsTransport) Write(data []byte) {
	if !t.running || t.state != StateReady || t.srtpChannel == nil {
		return
	}
	if t.ice.State() != IceReady {
		return
	}

	var protected []byte
	var err error
	if packet.IsRTCP(data) {
		protected, err = t.srtpChannel.ProtectRTCP(data)
	} else {
		protected, err = t.srtpChannel.ProtectRTP(data)
	}
	if err != nil {
		t.log.DebugSRTP("protect failed", "error", err)
		return
	}
	if len(protected) <= minProtectedPacketSize {
		return
	}
	if _, err := t.ice.SendData(packet.ComponentRTP, protected); err != nil {
		t.log.DebugSRTP("send failed", "error", err)
	}
}

// Close cancels timers, tears down DTLS and ICE and frees the SRTP
// contexts. Terminal and silent.
func (t *DtlsTransport) Close() {
	if t.state == StateFinished {
		return
	}
	t.log.Debug("closing transport")
	t.running = false
	t.checker.cancel()
	t.handshakeCancel()
	if t.dtlsConn != nil {
		_ = t.dtlsConn.Close()
	}
	_ = t.endpoint.Close()
	t.ice.Close()
	t.srtpChannel = nil
	t.state = StateFinished
}

// OnIceCandidate implements IceListener.
func (t *DtlsTransport) OnIceCandidate(cand sdp.Candidate, _ *IceConnection) {
	t.listener.OnTransportCandidate(cand, t)
}

// OnIcePacket implements IceListener: the inbound demux. DTLS records
// feed the handshake endpoint; SRTP/SRTCP is unprotected and handed
// up; anything shorter than a header is dropped silently.
func (t *DtlsTransport) OnIcePacket(component packet.Component, data []byte, _ *IceConnection) {
	if !t.running {
		return
	}
	if packet.IsDTLS(data) {
		t.log.DebugDTLS("received dtls record", "size", len(data))
		t.endpoint.push(data)
		return
	}
	if t.state != StateReady || t.srtpChannel == nil {
		return
	}
	if len(data) < 12 {
		return
	}

	var plain []byte
	var err error
	if packet.IsRTCP(data) {
		plain, err = t.srtpChannel.UnprotectRTCP(data)
	} else {
		plain, err = t.srtpChannel.UnprotectRTP(data)
	}
	if err != nil {
		t.log.DebugSRTP("unprotect failed", "error", err)
		return
	}
	if len(plain) == 0 {
		return
	}
	t.listener.OnTransportData(packet.New(component, packet.TypeOther, plain), t)
}

// OnIceStateChange implements IceListener: composes ICE state into the
// transport state machine.
func (t *DtlsTransport) OnIceStateChange(state IceState, _ *IceConnection) {
	if !t.running {
		return
	}
	switch state {
	case IceCandidatesReceived:
		t.updateState(StateGathered)
	case IceFailed:
		t.log.Info("ice failed")
		t.running = false
		t.errorCode = ErrorIceFailed
		t.updateState(StateFailed)
	case IceReady:
		if !t.handshakeStarted() {
			t.startHandshake()
		}
	}
}

func (t *DtlsTransport) handshakeStarted() bool {
	return t.dtlsConn != nil || t.handshakeDone
}

// startHandshake launches DTLS on the demuxed endpoint. The client
// side schedules the timeout checker; the server side awaits the
// ClientHello.
func (t *DtlsTransport) startHandshake() {
	t.handshakeDone = false
	role := "server"
	if !t.isServer {
		role = "client"
		t.checker.scheduleCheck()
	}
	t.log.Debug("starting dtls handshake", "role", role)

	cfg := &dtls.Config{
		Certificates:           []tls.Certificate{t.cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		InsecureSkipVerify:     true,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
	}

	go func() {
		var conn *dtls.Conn
		var err error
		if t.isServer {
			conn, err = dtls.Server(t.endpoint, t.endpoint.peer, cfg)
		} else {
			conn, err = dtls.Client(t.endpoint, t.endpoint.peer, cfg)
		}
		if err == nil {
			err = conn.HandshakeContext(t.handshakeCtx)
		}
		t.ioWorker.Invoke(func() {
			if !t.running {
				return
			}
			if err != nil {
				t.onHandshakeFailed(err)
				return
			}
			t.onHandshakeCompleted(conn)
		})
	}()
}

// onHandshakeCompleted installs SRTP keys. Keys are installed exactly
// once per session; a second completion is a protocol error. When this
// endpoint is the server the client/server key halves are swapped
// before installation.
func (t *DtlsTransport) onHandshakeCompleted(conn *dtls.Conn) {
	t.checker.cancel()

	if t.srtpChannel != nil {
		t.log.Error("duplicate dtls handshake completion")
		t.errorCode = ErrorSrtpKeyingFailed
		t.updateState(StateFailed)
		return
	}

	t.dtlsConn = conn
	t.handshakeDone = true

	state, ok := conn.ConnectionState()
	if !ok {
		t.keyingFailed(fmt.Errorf("dtls connection state unavailable"))
		return
	}
	length, err := KeyingMaterialLen(t.srtpProfile)
	if err != nil {
		t.keyingFailed(err)
		return
	}
	material, err := state.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, length)
	if err != nil {
		t.keyingFailed(fmt.Errorf("export keying material: %w", err))
		return
	}
	clientKeys, serverKeys, err := ExtractKeys(t.srtpProfile, material)
	if err != nil {
		t.keyingFailed(err)
		return
	}

	local, remote := clientKeys, serverKeys
	if t.isServer {
		t.log.DebugDTLS("swapping srtp keys for server role")
		local, remote = serverKeys, clientKeys
	}

	channel, err := NewSrtpChannel(t.srtpProfile, local, remote)
	if err != nil {
		t.keyingFailed(err)
		return
	}
	t.srtpChannel = channel
	t.log.Info("dtls handshake completed, srtp keys installed")
	t.updateState(StateReady)
}

func (t *DtlsTransport) keyingFailed(err error) {
	t.log.Error("srtp keying failed", "error", err)
	t.running = false
	t.errorCode = ErrorSrtpKeyingFailed
	t.updateState(StateFailed)
}

func (t *DtlsTransport) onHandshakeFailed(err error) {
	t.log.Warn("dtls handshake failed", "error", err)
	t.running = false
	t.errorCode = ErrorSrtpHandshakeFailed
	t.updateState(StateFailed)
}

func (t *DtlsTransport) updateState(state State) {
	if t.state == state {
		return
	}
	if t.state == StateFailed || t.state == StateFinished {
		return
	}
	t.state = state
	t.listener.OnTransportStateChange(state, t)
}

// timeoutChecker bounds the DTLS handshake: up to 15 checks at one
// second intervals, then the transport fails. The checker consults the
// transport's state at fire time, so a check racing teardown no-ops.
type timeoutChecker struct {
	transport  *DtlsTransport
	checksLeft int
	task       *worker.ScheduledTask
}

func (tc *timeoutChecker) scheduleCheck() {
	tc.cancel()
	tc.checksLeft = maxTimeoutChecks
	if tc.transport.state != StateReady {
		tc.scheduleNext()
	}
}

func (tc *timeoutChecker) scheduleNext() {
	t := tc.transport
	tc.task = t.worker.ScheduleFromNow(func() {
		if !t.running || t.state == StateReady {
			return
		}
		if tc.checksLeft > 0 {
			tc.checksLeft--
			t.log.Debug("handling dtls timeout", "checks_left", tc.checksLeft)
			tc.scheduleNext()
			return
		}
		t.log.Debug("dtls timeout")
		t.handshakeCancel()
		t.onHandshakeFailed(fmt.Errorf("dtls timeout after %d checks", maxTimeoutChecks))
	}, timeoutCheckInterval)
}

func (tc *timeoutChecker) cancel() {
	if tc.task != nil {
		tc.task.Cancel()
		tc.task = nil
	}
}
