// Package agent is the engine facade: a registry of peer connections
// keyed by id, worker allocation, and subscribe/unsubscribe wiring
// between peers.
package agent

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ethan/webrtc-sfu/pkg/frame"
	"github.com/ethan/webrtc-sfu/pkg/logger"
	"github.com/ethan/webrtc-sfu/pkg/peer"
	"github.com/ethan/webrtc-sfu/pkg/worker"
)

// Agent owns the global worker pools and the peer registry. Open is
// idempotent per process; everything else is safe for concurrent use.
type Agent struct {
	log *logger.Logger

	mu          sync.Mutex
	initialized bool
	localIPs    []string
	stunURI     string

	workers   *worker.ThreadPool
	ioWorkers *worker.IOWorkerPool

	peers map[string]*peer.PeerConnection
}

// New creates an unopened agent.
func New(log *logger.Logger) *Agent {
	return &Agent{
		log:   log.With("component", "agent"),
		peers: make(map[string]*peer.PeerConnection),
	}
}

// Open allocates the worker pools. A second call with the pools live
// returns ErrAlreadyInitialized.
func (a *Agent) Open(numWorkers int, localIPs []string, stunURI string) error {
	if len(localIPs) == 0 {
		return fmt.Errorf("%w: no local ips", ErrInvalidParam)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return ErrAlreadyInitialized
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	a.workers = worker.NewThreadPool(numWorkers)
	a.ioWorkers = worker.NewIOWorkerPool(a.workers)
	a.localIPs = localIPs
	a.stunURI = stunURI
	a.initialized = true

	a.log.Info("agent opened", "workers", numWorkers, "local_ip", localIPs[0])
	return nil
}

// Close destroys every peer and stops the pools.
func (a *Agent) Close() {
	a.mu.Lock()
	peers := a.peers
	a.peers = make(map[string]*peer.PeerConnection)
	workers := a.workers
	a.initialized = false
	a.mu.Unlock()

	for _, pc := range peers {
		pc.Close()
	}
	if workers != nil {
		workers.Close()
	}
	a.log.Info("agent closed")
}

// PeerOptions is the admission-time configuration for one peer.
type PeerOptions struct {
	ConnectionID string
	Bundle       bool
	RtcpMux      bool
	Trickle      bool
	StunURI      string
	PortMin      uint16
	PortMax      uint16
	// PreferredAudio/PreferredVideo restrict codec negotiation, e.g.
	// ["opus"] / ["h264"].
	PreferredAudio []string
	PreferredVideo []string
}

// CreatePeer admits a peer on the least-loaded worker and dispatches
// the offer. Completion flows through the listener's events.
func (a *Agent) CreatePeer(opts PeerOptions, offer string, listener peer.EventListener) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return fmt.Errorf("%w: agent not opened", ErrInvalidParam)
	}
	if opts.ConnectionID == "" {
		opts.ConnectionID = uuid.NewString()
	}
	if _, exists := a.peers[opts.ConnectionID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("%w: connection %s", ErrFound, opts.ConnectionID)
	}

	w := a.workers.LessUsedWorker()
	io := a.ioWorkers.IOWorker(w.ID())
	stun := opts.StunURI
	if stun == "" {
		stun = a.stunURI
	}

	pc, err := peer.New(peer.Options{
		ConnectionID:    opts.ConnectionID,
		Bundle:          opts.Bundle,
		RtcpMux:         opts.RtcpMux,
		Trickle:         opts.Trickle,
		StunURI:         stun,
		LocalIPs:        a.localIPs,
		PortMin:         opts.PortMin,
		PortMax:         opts.PortMax,
		AudioPreference: opts.PreferredAudio,
		VideoPreference: opts.PreferredVideo,
	}, listener, w, io, a.log)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidParam, err.Error())
	}
	a.peers[opts.ConnectionID] = pc
	a.mu.Unlock()

	pc.Init()
	pc.Signalling("offer", offer)
	return nil
}

// DestroyPeer unregisters synchronously and closes asynchronously.
func (a *Agent) DestroyPeer(connectionID string) error {
	a.mu.Lock()
	pc, ok := a.peers[connectionID]
	if ok {
		delete(a.peers, connectionID)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	go pc.Close()
	return nil
}

// AddRemoteCandidate relays a trickled candidate to a peer.
func (a *Agent) AddRemoteCandidate(connectionID, mid string, mLineIndex int, candidate string) error {
	pc, err := a.lookup(connectionID)
	if err != nil {
		return err
	}
	pc.AddRemoteCandidate(mid, mLineIndex, candidate)
	return nil
}

// RemoveRemoteCandidate relays a candidate removal to a peer.
func (a *Agent) RemoveRemoteCandidate(connectionID, mid string, mLineIndex int, candidate string) error {
	pc, err := a.lookup(connectionID)
	if err != nil {
		return err
	}
	pc.RemoveRemoteCandidate(mid, mLineIndex, candidate)
	return nil
}

// Subscribe wires the player's tracks behind the publisher's pipeline.
// publisher == player enables the in-process frame callback instead
// (server-side recording hooks).
func (a *Agent) Subscribe(publisherID, playerID string) error {
	if publisherID == "" || playerID == "" {
		return fmt.Errorf("%w: empty peer id", ErrInvalidParam)
	}

	isCallback := publisherID == playerID

	a.mu.Lock()
	pub, ok := a.peers[publisherID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: publisher %s", ErrNotFound, publisherID)
	}
	var player *peer.PeerConnection
	if !isCallback {
		player, ok = a.peers[playerID]
		if !ok {
			a.mu.Unlock()
			return fmt.Errorf("%w: player %s", ErrNotFound, playerID)
		}
	}
	a.mu.Unlock()

	if isCallback {
		pub.FrameCallback(true)
		return nil
	}

	tracks := player.Tracks()
	if len(tracks) == 0 {
		return fmt.Errorf("%w: player %s has no subscriber tracks", ErrFailed, playerID)
	}
	pub.Subscribe(tracks)
	return nil
}

// Unsubscribe severs the wiring installed by Subscribe.
func (a *Agent) Unsubscribe(publisherID, playerID string) error {
	if publisherID == "" || playerID == "" {
		return fmt.Errorf("%w: empty peer id", ErrInvalidParam)
	}

	isCallback := publisherID == playerID

	a.mu.Lock()
	pub, ok := a.peers[publisherID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: publisher %s", ErrNotFound, publisherID)
	}
	var player *peer.PeerConnection
	if !isCallback {
		player, ok = a.peers[playerID]
		if !ok {
			a.mu.Unlock()
			return fmt.Errorf("%w: player %s", ErrNotFound, playerID)
		}
	}
	a.mu.Unlock()

	if isCallback {
		pub.FrameCallback(false)
		return nil
	}

	tracks := player.Tracks()
	if len(tracks) == 0 {
		return fmt.Errorf("%w: player %s has no subscriber tracks", ErrFailed, playerID)
	}
	pub.Unsubscribe(tracks)
	return nil
}

// SetFrameSink installs the in-process frame sink used with
// Subscribe(id, id).
func (a *Agent) SetFrameSink(connectionID string, sink func(f *frame.Frame)) error {
	pc, err := a.lookup(connectionID)
	if err != nil {
		return err
	}
	pc.OnFrameSink = sink
	return nil
}

// Stats snapshots one peer's counters.
func (a *Agent) Stats(connectionID string) (peer.Stats, error) {
	pc, err := a.lookup(connectionID)
	if err != nil {
		return peer.Stats{}, err
	}
	return pc.Stats(), nil
}

// PeerCount reports the number of registered peers.
func (a *Agent) PeerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}

func (a *Agent) lookup(connectionID string) (*peer.PeerConnection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, ok := a.peers[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, connectionID)
	}
	return pc, nil
}
