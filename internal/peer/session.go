package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pair-signaling/internal/media"
	"github.com/mossy-p/pair-signaling/internal/models"
)

var (
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrUnexpectedAnswer = errors.New("answer without a pending local offer")
	ErrUnexpectedOffer  = errors.New("offer received by the initiator")
	ErrMalformed        = errors.New("malformed signaling payload")
	ErrRoomFull         = errors.New("room is full")
	ErrSignalingLost    = errors.New("signaling connection lost before the call connected")
	ErrClosed           = errors.New("session closed")
	ErrNoSignaler       = errors.New("no signaling transport")
)

// PeerConnection is the part of *webrtc.PeerConnection a Session drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Signaler carries messages to the relay.
type Signaler interface {
	Send(msg models.SignalMessage) error
	Close() error
}

// Config configures a Session. The callbacks run with the session lock held
// and must not call back into the Session.
type Config struct {
	RoomID        string
	Policy        MediaPolicy
	OnStateChange func(ConnectionState)
	OnPhaseChange func(Phase)
	// OnTrack receives remote tracks. It runs on a pion goroutine.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Session drives one peer connection through a single call in one room. A
// new call needs a new Session; nothing carries over.
type Session struct {
	cfg   Config
	pc    PeerConnection
	media *media.Manager

	// sigMu guards signaler alone so pion callbacks never wait on mu.
	sigMu    sync.RWMutex
	signaler Signaler

	mu            sync.Mutex
	phase         Phase
	role          Role
	state         ConnectionState
	mediaSettled  bool
	hasLocalOffer bool
	remoteDescSet bool
	// pending holds remote candidates that arrived before the remote
	// description, in arrival order.
	pending []webrtc.ICECandidateInit
	// deferred holds negotiation messages that arrived before the local
	// media outcome was known.
	deferred []models.SignalMessage
	senders  map[webrtc.RTPCodecType][]*webrtc.RTPSender
	err      error
	// aborted marks a failure raised by the session itself. Unlike a native
	// failure it is final; only a new session recovers.
	aborted bool

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wires pc's callbacks. mgr may be nil for a session that never
// sends media.
func NewSession(pc PeerConnection, mgr *media.Manager, cfg Config) *Session {
	if cfg.Policy == "" {
		cfg.Policy = MediaRequired
	}
	s := &Session{
		cfg:     cfg,
		pc:      pc,
		media:   mgr,
		phase:   PhaseIdle,
		state:   StateConnecting,
		senders: make(map[webrtc.RTPCodecType][]*webrtc.RTPSender),
		done:    make(chan struct{}),
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnConnectionStateChange(s.onNativeState)
	if cfg.OnTrack != nil {
		pc.OnTrack(cfg.OnTrack)
	}
	return s
}

// SetSignaler injects the transport after construction; the transport needs
// the session as its handler, so neither can be built first.
func (s *Session) SetSignaler(sig Signaler) {
	s.sigMu.Lock()
	s.signaler = sig
	s.sigMu.Unlock()
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session failed, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AcquireMedia captures local media and attaches it to the connection.
// Negotiation messages that arrive meanwhile are held and replayed once the
// outcome is known. Under MediaOptional a capture failure is logged and the
// session continues receive-only.
func (s *Session) AcquireMedia(ctx context.Context, facing media.Facing) error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase == PhaseIdle || s.phase == PhaseSignaling {
		s.setPhase(PhaseAcquiringMedia)
	}
	s.mu.Unlock()

	var stream *media.Stream
	err := media.ErrNoStream
	if s.media != nil {
		stream, err = s.media.Acquire(ctx, facing)
	}
	return s.settleMedia(stream, err)
}

func (s *Session) settleMedia(stream *media.Stream, acquireErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed {
		stream.Stop()
		return ErrClosed
	}
	if s.mediaSettled {
		return acquireErr
	}
	s.mediaSettled = true

	var result error
	if acquireErr != nil {
		if s.cfg.Policy == MediaRequired {
			result = fmt.Errorf("%w: %w", ErrMediaUnavailable, acquireErr)
			s.failLocked(result)
			s.deferred = nil
			return result
		}
		log.Printf("[peer] continuing receive-only: %v", acquireErr)
		result = acquireErr
		if err := s.addReceiveOnlyLocked(); err != nil {
			s.failLocked(err)
			return err
		}
	} else if err := s.attachLocked(stream); err != nil {
		s.failLocked(err)
		return err
	}

	if s.phase == PhaseAcquiringMedia {
		s.setPhase(PhaseSignaling)
	}

	deferred := s.deferred
	s.deferred = nil
	for _, msg := range deferred {
		if s.phase == PhaseFailed || s.phase == PhaseClosed {
			break
		}
		s.dispatchLocked(msg)
	}
	return result
}

func (s *Session) attachLocked(stream *media.Stream) error {
	for _, t := range stream.Tracks() {
		sender, err := s.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		s.senders[t.Kind()] = append(s.senders[t.Kind()], sender)
	}
	if s.media != nil {
		s.media.Bind(s)
	}
	return nil
}

func (s *Session) addReceiveOnlyLocked() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// ReplaceTrack swaps the outgoing track of kind on every sender of that kind
// without renegotiating. A nil track mutes the kind.
func (s *Session) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	s.mu.Lock()
	senders := append([]*webrtc.RTPSender(nil), s.senders[kind]...)
	s.mu.Unlock()

	for _, sender := range senders {
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
	}
	return nil
}

// OnConnected asks the relay to join the configured room.
func (s *Session) OnConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed || s.phase == PhaseFailed {
		return
	}
	if s.phase == PhaseIdle {
		s.setPhase(PhaseSignaling)
	}
	log.Printf("[peer] joining room %s", s.cfg.RoomID)
	if err := s.sendLocked(models.SignalTypeJoin, nil); err != nil {
		s.failLocked(fmt.Errorf("send join: %w", err))
	}
}

// OnDisconnected reports that the signaling transport dropped. An
// established call carries on without it.
func (s *Session) OnDisconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseConnected, PhaseFailed, PhaseClosed:
		return
	}
	s.failLocked(fmt.Errorf("%w: %v", ErrSignalingLost, err))
}

// HandleSignal processes one message from the relay.
func (s *Session) HandleSignal(msg models.SignalMessage) {
	teardown := false

	s.mu.Lock()
	switch {
	case s.phase == PhaseClosed:
	case msg.Type == models.SignalTypePeerLeft:
		log.Printf("[peer] remote peer left room %s", s.cfg.RoomID)
		teardown = true
	case s.phase == PhaseFailed:
		// Negotiation is over; only peer-left still matters.
	case msg.Type == models.SignalTypeJoined:
		var ack models.JoinedPayload
		_ = json.Unmarshal(msg.Payload, &ack)
		log.Printf("[peer] joined room %s as %s (%d/%d)", s.cfg.RoomID, ack.PeerID, ack.Size, models.RoomCapacity)
	case msg.Type == models.SignalTypeReady || msg.Type.IsNegotiation():
		if !s.mediaSettled {
			s.deferred = append(s.deferred, msg)
			break
		}
		s.dispatchLocked(msg)
	case msg.Type == models.SignalTypeRoomFull:
		s.failLocked(fmt.Errorf("%w: %s", ErrRoomFull, s.cfg.RoomID))
	case msg.Type == models.SignalTypeError:
		log.Printf("[peer] relay error: %s", msg.Error)
	default:
		log.Printf("[peer] ignoring %q message", msg.Type)
	}
	s.mu.Unlock()

	if teardown {
		_ = s.Close()
	}
}

func (s *Session) dispatchLocked(msg models.SignalMessage) {
	var err error
	switch msg.Type {
	case models.SignalTypeReady:
		err = s.onReadyLocked()
	case models.SignalTypeOffer:
		err = s.onOfferLocked(msg.Payload)
	case models.SignalTypeAnswer:
		err = s.onAnswerLocked(msg.Payload)
	case models.SignalTypeCandidate:
		err = s.onRemoteCandidateLocked(msg.Payload)
	}
	if err != nil {
		log.Printf("[peer] %s: %v", msg.Type, err)
		s.failLocked(err)
	}
}

func (s *Session) onReadyLocked() error {
	if s.role != RoleUnknown {
		log.Printf("[peer] ignoring ready, already %s", s.role)
		return nil
	}
	s.role = RoleInitiator
	s.setPhase(PhaseConnecting)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.hasLocalOffer = true

	return s.sendLocked(models.SignalTypeOffer, models.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP})
}

func (s *Session) onOfferLocked(payload json.RawMessage) error {
	if s.role == RoleInitiator {
		return ErrUnexpectedOffer
	}
	s.role = RoleResponder
	s.setPhase(PhaseConnecting)

	offer, err := decodeDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.remoteDescSet = true
	if err := s.flushCandidatesLocked(); err != nil {
		return err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	return s.sendLocked(models.SignalTypeAnswer, models.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP})
}

func (s *Session) onAnswerLocked(payload json.RawMessage) error {
	if s.role != RoleInitiator || !s.hasLocalOffer || s.remoteDescSet {
		return ErrUnexpectedAnswer
	}

	answer, err := decodeDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.remoteDescSet = true
	return s.flushCandidatesLocked()
}

func (s *Session) onRemoteCandidateLocked(payload json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
	}
	if !s.remoteDescSet {
		s.pending = append(s.pending, c)
		return nil
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (s *Session) flushCandidatesLocked() error {
	pending := s.pending
	s.pending = nil
	for i, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add queued ice candidate %d of %d: %w", i+1, len(pending), err)
		}
	}
	if len(pending) > 0 {
		log.Printf("[peer] applied %d queued ICE candidates", len(pending))
	}
	return nil
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	msg, err := models.NewSignalMessage(models.SignalTypeCandidate, s.cfg.RoomID, c.ToJSON())
	if err != nil {
		log.Printf("[peer] encode local candidate: %v", err)
		return
	}
	if err := s.send(msg); err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("[peer] send local candidate: %v", err)
	}
}

func (s *Session) onNativeState(native webrtc.PeerConnectionState) {
	state := MapState(native)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed || s.aborted {
		return
	}
	s.setState(state)
	switch state {
	case StateConnected:
		s.setPhase(PhaseConnected)
	case StateFailed:
		s.err = fmt.Errorf("peer connection %s", native)
		s.setPhase(PhaseFailed)
	case StateClosed:
		s.setPhase(PhaseClosed)
	}
}

func (s *Session) sendLocked(t models.SignalType, payload any) error {
	msg, err := models.NewSignalMessage(t, s.cfg.RoomID, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	return s.send(msg)
}

func (s *Session) send(msg models.SignalMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.sigMu.RLock()
	sig := s.signaler
	s.sigMu.RUnlock()
	if sig == nil {
		return ErrNoSignaler
	}
	return sig.Send(msg)
}

func (s *Session) failLocked(err error) {
	if s.phase == PhaseClosed || s.phase == PhaseFailed {
		return
	}
	s.err = err
	s.aborted = true
	s.setState(StateFailed)
	s.setPhase(PhaseFailed)
}

func (s *Session) setPhase(p Phase) {
	if s.phase == p {
		return
	}
	log.Printf("[peer] room %s: %s -> %s", s.cfg.RoomID, s.phase, p)
	s.phase = p
	if s.cfg.OnPhaseChange != nil {
		s.cfg.OnPhaseChange(p)
	}
}

func (s *Session) setState(st ConnectionState) {
	if s.state == st {
		return
	}
	s.state = st
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// Close stops local media, closes the peer connection and then the signaling
// transport. Only the first call does anything.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		s.setState(StateClosed)
		s.setPhase(PhaseClosed)
		s.pending = nil
		s.deferred = nil
		s.mu.Unlock()

		s.sigMu.Lock()
		sig := s.signaler
		s.sigMu.Unlock()

		if s.media != nil {
			s.media.Stop()
		}
		if err := s.pc.Close(); err != nil {
			log.Printf("[peer] close peer connection: %v", err)
		}
		if sig != nil {
			if err := sig.Close(); err != nil {
				log.Printf("[peer] close signaling: %v", err)
			}
		}
		close(s.done)
	})
	return nil
}

func decodeDescription(payload json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var d models.SessionDescription
	if err := json.Unmarshal(payload, &d); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s: %v", ErrMalformed, want, err)
	}
	if d.SDP == "" || (d.Type != "" && d.Type != want.String()) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected %s", ErrMalformed, want)
	}
	return webrtc.SessionDescription{Type: want, SDP: d.SDP}, nil
}
