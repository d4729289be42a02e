package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"

	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/packet"
	"github.com/ethan/webrtc-sfu/pkg/sdp"
	"github.com/ethan/webrtc-sfu/pkg/worker"
)

// IceListener receives ICE events. All callbacks are posted onto the
// owning worker before they fire.
type IceListener interface {
	OnIceCandidate(cand sdp.Candidate, conn *IceConnection)
	OnIcePacket(component packet.Component, data []byte, conn *IceConnection)
	OnIceStateChange(state IceState, conn *IceConnection)
}

// IceConfig configures one ICE connection.
type IceConfig struct {
	TransportName string
	ConnectionID  string
	LocalIPs      []string
	StunURI       string
	PortMin       uint16
	PortMax       uint16
	// IsControlling is set when this endpoint offers; the SFU answers,
	// so it normally runs controlled.
	IsControlling bool
	LoggerFactory logging.LoggerFactory
}

// IceConnection gathers local candidates, applies remote ones, selects
// a pair and keeps it alive, wrapping the pion ICE agent. UDP only;
// IPv6 candidates are dropped on both directions.
type IceConnection struct {
	cfg      IceConfig
	log      *logger.Logger
	worker   *worker.Worker
	ioWorker *worker.IOWorker
	listener IceListener

	agent *ice.Agent
	conn  *ice.Conn

	state                 IceState
	componentState        map[packet.Component]IceState
	receivedLastCandidate bool
	gatheringDone         bool
	localCandidates       []sdp.Candidate

	remoteUfrag string
	remotePwd   string
	connecting  bool
	closed      bool
}

// NewIceConnection creates the agent; Start begins gathering.
func NewIceConnection(cfg IceConfig, listener IceListener, w *worker.Worker, io *worker.IOWorker, log *logger.Logger) (*IceConnection, error) {
	c := &IceConnection{
		cfg:            cfg,
		log:            log.With("component", "ice", "transport", cfg.TransportName, "connection_id", cfg.ConnectionID),
		worker:         w,
		ioWorker:       io,
		listener:       listener,
		state:          IceInitial,
		componentState: map[packet.Component]IceState{packet.ComponentRTP: IceInitial},
	}

	agentCfg := &ice.AgentConfig{
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeHost},
		LoggerFactory:  cfg.LoggerFactory,
	}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		agentCfg.PortMin = cfg.PortMin
		agentCfg.PortMax = cfg.PortMax
	}
	if cfg.StunURI != "" {
		uri, err := stun.ParseURI(cfg.StunURI)
		if err != nil {
			return nil, fmt.Errorf("parse stun uri %q: %w", cfg.StunURI, err)
		}
		agentCfg.Urls = []*stun.URI{uri}
		agentCfg.CandidateTypes = append(agentCfg.CandidateTypes, ice.CandidateTypeServerReflexive)
	}
	if len(cfg.LocalIPs) > 0 {
		allowed := make(map[string]bool, len(cfg.LocalIPs))
		for _, ip := range cfg.LocalIPs {
			allowed[ip] = true
		}
		agentCfg.IPFilter = func(ip net.IP) bool {
			return allowed[ip.String()]
		}
	}

	agent, err := ice.NewAgent(agentCfg)
	if err != nil {
		return nil, fmt.Errorf("create ice agent: %w", err)
	}
	c.agent = agent

	if err := agent.OnCandidate(c.handleCandidate); err != nil {
		return nil, fmt.Errorf("register candidate handler: %w", err)
	}
	if err := agent.OnConnectionStateChange(c.handleConnectionState); err != nil {
		return nil, fmt.Errorf("register state handler: %w", err)
	}

	return c, nil
}

// Start begins candidate gathering.
func (c *IceConnection) Start() error {
	if err := c.agent.GatherCandidates(); err != nil {
		return fmt.Errorf("gather candidates: %w", err)
	}
	return nil
}

// LocalCredentials returns the agent's ufrag and password.
func (c *IceConnection) LocalCredentials() (string, string, error) {
	ufrag, pwd, err := c.agent.GetLocalUserCredentials()
	if err != nil {
		return "", "", fmt.Errorf("local ice credentials: %w", err)
	}
	return ufrag, pwd, nil
}

// SetRemoteCredentials may be called after Start but before the agent
// is driven toward a pair.
func (c *IceConnection) SetRemoteCredentials(ufrag, pwd string) error {
	if err := c.agent.SetRemoteCredentials(ufrag, pwd); err != nil {
		return fmt.Errorf("set remote ice credentials: %w", err)
	}
	c.remoteUfrag = ufrag
	c.remotePwd = pwd
	c.maybeConnect()
	return nil
}

// SetRemoteCandidates feeds remote candidates to the agent. In bundle
// mode candidates with component != 1 are skipped; IPv6 and non-UDP
// candidates are ignored.
func (c *IceConnection) SetRemoteCandidates(cands []sdp.Candidate, isBundle bool) error {
	accepted := 0
	for _, cand := range cands {
		if isBundle && cand.ComponentID != uint16(packet.ComponentRTP) {
			c.log.DebugICE("skipping non-rtp component candidate in bundle", "component", cand.ComponentID)
			continue
		}
		if cand.IsIPv6() {
			c.log.DebugICE("ignoring IPv6 candidate", "address", cand.Address)
			continue
		}
		if cand.Protocol != "udp" {
			c.log.DebugICE("ignoring non-UDP candidate", "protocol", cand.Protocol)
			continue
		}
		parsed, err := ice.UnmarshalCandidate(cand.Marshal())
		if err != nil {
			return fmt.Errorf("unmarshal remote candidate: %w", err)
		}
		if err := c.agent.AddRemoteCandidate(parsed); err != nil {
			return fmt.Errorf("add remote candidate: %w", err)
		}
		accepted++
	}
	if accepted > 0 {
		c.updateIceState(IceCandidatesReceived)
		c.maybeConnect()
	}
	return nil
}

// SetReceivedLastCandidate marks the end of trickling; only after this
// can a component failure fail the connection.
func (c *IceConnection) SetReceivedLastCandidate(received bool) {
	c.log.DebugICE("received last candidate marker", "received", received)
	c.receivedLastCandidate = received
}

// State returns the rolled-up connection state.
func (c *IceConnection) State() IceState { return c.state }

// LocalCandidates returns the candidates gathered so far.
func (c *IceConnection) LocalCandidates() []sdp.Candidate {
	out := make([]sdp.Candidate, len(c.localCandidates))
	copy(out, c.localCandidates)
	return out
}

// GatheringDone reports whether local gathering completed.
func (c *IceConnection) GatheringDone() bool { return c.gatheringDone }

// SendData emits bytes on the selected pair. Valid only in READY.
func (c *IceConnection) SendData(component packet.Component, buf []byte) (int, error) {
	if c.state != IceReady || c.conn == nil {
		return -1, fmt.Errorf("ice connection not ready (state %s)", c.state)
	}
	_ = component // single data stream; rtcp-mux is mandated upstream
	return c.conn.Write(buf)
}

// SelectedPair returns the chosen local and remote candidates.
func (c *IceConnection) SelectedPair() (local, remote sdp.Candidate, err error) {
	pair, err := c.agent.GetSelectedCandidatePair()
	if err != nil {
		return local, remote, fmt.Errorf("selected pair: %w", err)
	}
	if pair == nil {
		return local, remote, fmt.Errorf("no pair selected")
	}
	return iceCandidateToSdp(pair.Local), iceCandidateToSdp(pair.Remote), nil
}

// Close tears the agent down. No further events fire.
func (c *IceConnection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.state = IceFinished
	if err := c.agent.Close(); err != nil {
		c.log.Warn("ice agent close", "error", err)
	}
}

// handleCandidate fires on the agent's gathering goroutine and
// re-enters the worker. A nil candidate marks gathering complete.
func (c *IceConnection) handleCandidate(cand ice.Candidate) {
	c.ioWorker.Invoke(func() {
		if c.closed {
			return
		}
		if cand == nil {
			c.gatheringDone = true
			c.log.DebugICE("candidate gathering complete", "count", len(c.localCandidates))
			return
		}
		info := iceCandidateToSdp(cand)
		if info.IsIPv6() {
			// We ignore IPv6 candidates at this point
			return
		}
		if info.Port == 0 {
			return
		}
		c.localCandidates = append(c.localCandidates, info)
		c.log.DebugICE("gathered candidate", "address", info.Address, "port", info.Port, "type", info.Type)
		c.listener.OnIceCandidate(info, c)
	})
}

func (c *IceConnection) handleConnectionState(state ice.ConnectionState) {
	c.ioWorker.Invoke(func() {
		if c.closed {
			return
		}
		c.log.DebugICE("agent connection state", "state", state.String())
		switch state {
		case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
			c.updateComponentState(packet.ComponentRTP, IceReady)
		case ice.ConnectionStateFailed, ice.ConnectionStateDisconnected:
			c.updateComponentState(packet.ComponentRTP, IceFailed)
		}
	})
}

// maybeConnect starts pair establishment once remote credentials are
// known. Runs once.
func (c *IceConnection) maybeConnect() {
	if c.connecting || c.closed || c.remoteUfrag == "" {
		return
	}
	c.connecting = true
	ufrag, pwd := c.remoteUfrag, c.remotePwd
	go func() {
		var conn *ice.Conn
		var err error
		if c.cfg.IsControlling {
			conn, err = c.agent.Dial(context.Background(), ufrag, pwd)
		} else {
			conn, err = c.agent.Accept(context.Background(), ufrag, pwd)
		}
		if err != nil {
			// Failure surfaces through the connection state handler with
			// the last-candidate holdoff applied there.
			c.ioWorker.Invoke(func() {
				if !c.closed {
					c.log.Warn("ice establishment ended", "error", err)
				}
			})
			return
		}
		c.ioWorker.Invoke(func() {
			if c.closed {
				return
			}
			c.conn = conn
			c.updateComponentState(packet.ComponentRTP, IceReady)
		})
		c.readLoop(conn)
	}()
}

func (c *IceConnection) readLoop(conn *ice.Conn) {
	buf := make([]byte, packet.MTU)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			c.ioWorker.Invoke(func() {
				if !c.closed {
					c.log.DebugICE("read loop ended", "error", err)
				}
			})
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.ioWorker.Invoke(func() {
			if c.closed {
				return
			}
			c.listener.OnIcePacket(packet.ComponentRTP, data, c)
		})
	}
}

// updateComponentState rolls a component state into the connection
// state. READY requires every component ready. FAILED is withheld until
// the last-candidate marker arrives, unless the connection was already
// READY; candidates may still trickle in before that.
func (c *IceConnection) updateComponentState(component packet.Component, state IceState) {
	c.componentState[component] = state

	switch state {
	case IceReady:
		for _, s := range c.componentState {
			if s != IceReady {
				return
			}
		}
	case IceFailed:
		if !c.receivedLastCandidate && c.state != IceReady {
			c.log.Warn("component failed before last candidate, withholding failure",
				"component", component)
			return
		}
		for _, s := range c.componentState {
			if s != IceFailed {
				return
			}
		}
	}
	c.updateIceState(state)
}

func (c *IceConnection) updateIceState(state IceState) {
	if c.state == state {
		return
	}
	if c.state == IceFailed || c.state == IceFinished {
		return
	}
	// Never regress from READY to an earlier phase.
	if c.state == IceReady && (state == IceInitial || state == IceCandidatesReceived) {
		return
	}
	c.state = state
	c.log.Info("ice state", "state", state.String())
	c.listener.OnIceStateChange(state, c)
}

func iceCandidateToSdp(cand ice.Candidate) sdp.Candidate {
	return sdp.Candidate{
		Foundation:  cand.Foundation(),
		ComponentID: cand.Component(),
		Protocol:    "udp",
		Priority:    cand.Priority(),
		Address:     cand.Address(),
		Port:        cand.Port(),
		Type:        cand.Type().String(),
	}
}
