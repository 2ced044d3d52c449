package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pair-signaling/internal/media"
	"github.com/mossy-p/pair-signaling/internal/models"
)

const room = "abc123"

// fakePC records the calls a Session makes, in order.
type fakePC struct {
	mu    sync.Mutex
	calls []string

	candidates []webrtc.ICECandidateInit
	onCand     func(*webrtc.ICECandidate)
	onState    func(webrtc.PeerConnectionState)

	setRemoteErr error
	closed       bool
	// stream, when set, is checked for stopped tracks at Close.
	stream              *media.Stream
	mediaStoppedAtClose bool
}

func (p *fakePC) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePC) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.record("createOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.record("createAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.record("setLocal:" + d.Type.String())
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("setRemote:" + d.Type.String())
	return p.setRemoteErr
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("addCandidate:" + c.Candidate)
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePC) AddTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.record("addTrack:" + t.Kind().String())
	return nil, nil
}

func (p *fakePC) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	dir := ""
	if len(init) > 0 {
		dir = init[0].Direction.String()
	}
	p.record("addTransceiver:" + kind.String() + ":" + dir)
	return nil, nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate))                { p.onCand = f }
func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { p.onState = f }
func (p *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))     {}

func (p *fakePC) Close() error {
	p.record("close")
	p.mu.Lock()
	p.closed = true
	stopped := true
	for _, t := range p.stream.Tracks() {
		stopped = stopped && t.Stopped()
	}
	p.mediaStoppedAtClose = stopped
	p.mu.Unlock()
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []models.SignalMessage
	closes int
	// pc, when set, must already be closed when the signaler closes.
	pc              *fakePC
	pcClosedAtClose bool
}

func (f *fakeSignaler) Send(msg models.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.pc != nil {
		f.pcClosedAtClose = f.pc.isClosed()
	}
	return nil
}

func (f *fakeSignaler) ofType(t models.SignalType) []models.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestSession(t *testing.T, policy MediaPolicy, src *media.SyntheticSource) (*Session, *fakePC, *fakeSignaler, *media.Manager) {
	t.Helper()
	pc := &fakePC{}
	sig := &fakeSignaler{pc: pc}
	mgr := media.NewManager(src)
	s := NewSession(pc, mgr, Config{RoomID: room, Policy: policy})
	s.SetSignaler(sig)
	t.Cleanup(func() { _ = s.Close() })
	return s, pc, sig, mgr
}

func msg(t *testing.T, typ models.SignalType, payload any) models.SignalMessage {
	t.Helper()
	m, err := models.NewSignalMessage(typ, room, payload)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	return m
}

func candidate(n int) webrtc.ICECandidateInit {
	mid := "0"
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", n, n), SDPMid: &mid}
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestSession_JoinOnConnect(t *testing.T) {
	s, _, sig, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))

	s.OnConnected()

	joins := sig.ofType(models.SignalTypeJoin)
	if len(joins) != 1 || joins[0].RoomID != room {
		t.Fatalf("join messages = %+v", joins)
	}
	if s.Phase() != PhaseSignaling {
		t.Fatalf("phase = %s, want signaling", s.Phase())
	}
}

func TestSession_InitiatorFlow(t *testing.T) {
	s, pc, sig, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	if err := s.AcquireMedia(context.Background(), media.FacingUser); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s.OnConnected()

	s.HandleSignal(models.SignalMessage{Type: models.SignalTypeReady, RoomID: room})
	if s.Role() != RoleInitiator {
		t.Fatalf("role = %s, want initiator", s.Role())
	}
	offers := sig.ofType(models.SignalTypeOffer)
	if len(offers) != 1 {
		t.Fatalf("offers sent = %d, want 1", len(offers))
	}
	var sd models.SessionDescription
	if err := json.Unmarshal(offers[0].Payload, &sd); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if sd.Type != "offer" || sd.SDP != "v=0 local-offer" || offers[0].RoomID != room {
		t.Fatalf("offer = %+v room %q", sd, offers[0].RoomID)
	}

	// Candidates racing ahead of the answer wait for it.
	s.HandleSignal(msg(t, models.SignalTypeCandidate, candidate(1)))
	s.HandleSignal(msg(t, models.SignalTypeCandidate, candidate(2)))
	if len(pc.candidates) != 0 {
		t.Fatal("candidate applied before the remote description")
	}

	s.HandleSignal(msg(t, models.SignalTypeAnswer, models.SessionDescription{Type: "answer", SDP: "v=0 remote-answer"}))

	calls := pc.callLog()
	setRemote := indexOf(calls, "setRemote:answer")
	first := indexOf(calls, "addCandidate:"+candidate(1).Candidate)
	second := indexOf(calls, "addCandidate:"+candidate(2).Candidate)
	if setRemote < 0 || !(setRemote < first && first < second) {
		t.Fatalf("calls = %v", calls)
	}
	if indexOf(calls, "addTrack:audio") > indexOf(calls, "createOffer") {
		t.Fatalf("tracks must be attached before the offer: %v", calls)
	}

	// Later candidates go straight in.
	s.HandleSignal(msg(t, models.SignalTypeCandidate, candidate(3)))
	if len(pc.candidates) != 3 {
		t.Fatalf("candidates applied = %d, want 3", len(pc.candidates))
	}
	if s.Phase() != PhaseConnecting {
		t.Fatalf("phase = %s", s.Phase())
	}
}

func TestSession_ResponderFlow(t *testing.T) {
	s, pc, sig, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	_ = s.AcquireMedia(context.Background(), media.FacingUser)

	s.HandleSignal(msg(t, models.SignalTypeOffer, models.SessionDescription{Type: "offer", SDP: "v=0 remote-offer"}))

	if s.Role() != RoleResponder {
		t.Fatalf("role = %s, want responder", s.Role())
	}
	want := []string{"setRemote:offer", "createAnswer", "setLocal:answer"}
	calls := pc.callLog()
	at := indexOf(calls, want[0])
	if at < 0 || len(calls) < at+len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i, c := range want {
		if calls[at+i] != c {
			t.Fatalf("calls = %v, want %v in order", calls, want)
		}
	}
	answers := sig.ofType(models.SignalTypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("answers sent = %d", len(answers))
	}
}

func TestSession_EarlyCandidatesFIFO(t *testing.T) {
	s, pc, _, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	_ = s.AcquireMedia(context.Background(), media.FacingUser)

	for i := 1; i <= 5; i++ {
		s.HandleSignal(msg(t, models.SignalTypeCandidate, candidate(i)))
	}
	s.HandleSignal(msg(t, models.SignalTypeOffer, models.SessionDescription{Type: "offer", SDP: "v=0 remote-offer"}))

	if len(pc.candidates) != 5 {
		t.Fatalf("applied %d candidates, want 5", len(pc.candidates))
	}
	for i, c := range pc.candidates {
		if c.Candidate != candidate(i+1).Candidate {
			t.Fatalf("candidate %d = %q, want %q", i, c.Candidate, candidate(i+1).Candidate)
		}
	}
	calls := pc.callLog()
	if indexOf(calls, "addCandidate:"+candidate(1).Candidate) < indexOf(calls, "setRemote:offer") {
		t.Fatalf("candidate applied before remote description: %v", calls)
	}
}

func TestSession_UnexpectedAnswer(t *testing.T) {
	cases := []struct {
		name  string
		setup func(s *Session)
	}{
		{"before any offer", func(*Session) {}},
		{"as responder", func(s *Session) {
			s.HandleSignal(models.SignalMessage{Type: models.SignalTypeOffer, RoomID: room,
				Payload: json.RawMessage(`{"type":"offer","sdp":"v=0 remote-offer"}`)})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, pc, _, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
			_ = s.AcquireMedia(context.Background(), media.FacingUser)
			tc.setup(s)

			s.HandleSignal(msg(t, models.SignalTypeAnswer, models.SessionDescription{Type: "answer", SDP: "v=0"}))

			if !errors.Is(s.Err(), ErrUnexpectedAnswer) {
				t.Fatalf("err = %v, want ErrUnexpectedAnswer", s.Err())
			}
			if s.State() != StateFailed {
				t.Fatalf("state = %s", s.State())
			}
			if indexOf(pc.callLog(), "setRemote:answer") >= 0 {
				t.Fatal("remote answer must not be applied")
			}
		})
	}
}

func TestSession_MalformedPayloadFails(t *testing.T) {
	payloads := map[models.SignalType]string{
		models.SignalTypeOffer:     `"not an object"`,
		models.SignalTypeCandidate: `[1,2,3]`,
	}
	for typ, raw := range payloads {
		t.Run(string(typ), func(t *testing.T) {
			s, _, _, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
			_ = s.AcquireMedia(context.Background(), media.FacingUser)

			s.HandleSignal(models.SignalMessage{Type: typ, RoomID: room, Payload: json.RawMessage(raw)})

			if !errors.Is(s.Err(), ErrMalformed) || s.Phase() != PhaseFailed {
				t.Fatalf("err = %v phase = %s", s.Err(), s.Phase())
			}
		})
	}
}

func TestSession_LocalFailureIsFinal(t *testing.T) {
	var phases []Phase
	pc := &fakePC{}
	s := NewSession(pc, media.NewManager(media.NewSyntheticSource(1)), Config{
		RoomID:        room,
		Policy:        MediaRequired,
		OnPhaseChange: func(p Phase) { phases = append(phases, p) },
	})
	s.SetSignaler(&fakeSignaler{})
	defer s.Close()
	_ = s.AcquireMedia(context.Background(), media.FacingUser)

	s.HandleSignal(msg(t, models.SignalTypeReady, nil))
	s.HandleSignal(msg(t, models.SignalTypeAnswer, models.SessionDescription{Type: "answer", SDP: "v=0 remote-answer"}))
	s.HandleSignal(models.SignalMessage{Type: models.SignalTypeCandidate, RoomID: room, Payload: json.RawMessage(`"garbage"`)})
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}

	// The peer connection is still open and keeps reporting.
	pc.onState(webrtc.PeerConnectionStateConnecting)
	pc.onState(webrtc.PeerConnectionStateConnected)

	if s.State() != StateFailed || s.Phase() != PhaseFailed {
		t.Fatalf("state = %s phase = %s, want failed", s.State(), s.Phase())
	}
	if !errors.Is(s.Err(), ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", s.Err())
	}
	if phases[len(phases)-1] != PhaseFailed {
		t.Fatalf("phases = %v", phases)
	}
}

func TestSession_RemoteDescriptionRejected(t *testing.T) {
	s, pc, sig, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	pc.setRemoteErr = errors.New("bad sdp")
	_ = s.AcquireMedia(context.Background(), media.FacingUser)

	s.HandleSignal(msg(t, models.SignalTypeOffer, models.SessionDescription{Type: "offer", SDP: "garbage"}))

	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	if len(sig.ofType(models.SignalTypeAnswer)) != 0 {
		t.Fatal("no answer after a rejected offer")
	}
}

func TestSession_DefersNegotiationUntilMedia(t *testing.T) {
	s, pc, sig, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	s.OnConnected()

	s.HandleSignal(models.SignalMessage{Type: models.SignalTypeReady, RoomID: room})
	if indexOf(pc.callLog(), "createOffer") >= 0 {
		t.Fatal("offer created before local media")
	}

	if err := s.AcquireMedia(context.Background(), media.FacingUser); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	calls := pc.callLog()
	if indexOf(calls, "createOffer") < 0 || indexOf(calls, "addTrack:video") > indexOf(calls, "createOffer") {
		t.Fatalf("calls = %v", calls)
	}
	if len(sig.ofType(models.SignalTypeOffer)) != 1 {
		t.Fatal("deferred ready should produce exactly one offer")
	}
}

func TestSession_MediaRequiredFailure(t *testing.T) {
	src := media.NewSyntheticSource(1)
	src.Deny(errors.New("NotAllowedError"))
	s, pc, sig, _ := newTestSession(t, MediaRequired, src)

	s.HandleSignal(models.SignalMessage{Type: models.SignalTypeReady, RoomID: room})
	err := s.AcquireMedia(context.Background(), media.FacingUser)

	if !errors.Is(err, ErrMediaUnavailable) || !errors.Is(err, media.ErrPermission) {
		t.Fatalf("err = %v", err)
	}
	if s.Phase() != PhaseFailed {
		t.Fatalf("phase = %s", s.Phase())
	}
	if indexOf(pc.callLog(), "createOffer") >= 0 || len(sig.ofType(models.SignalTypeOffer)) != 0 {
		t.Fatal("must not negotiate without media")
	}
}

func TestSession_MediaOptionalFailure(t *testing.T) {
	src := media.NewSyntheticSource(1)
	src.Deny(errors.New("NotAllowedError"))
	s, pc, sig, _ := newTestSession(t, MediaOptional, src)

	s.HandleSignal(models.SignalMessage{Type: models.SignalTypeReady, RoomID: room})
	err := s.AcquireMedia(context.Background(), media.FacingUser)
	if !errors.Is(err, media.ErrPermission) {
		t.Fatalf("err = %v, want the capture error", err)
	}

	calls := pc.callLog()
	if indexOf(calls, "addTransceiver:audio:recvonly") < 0 || indexOf(calls, "addTransceiver:video:recvonly") < 0 {
		t.Fatalf("calls = %v, want receive-only transceivers", calls)
	}
	if len(sig.ofType(models.SignalTypeOffer)) != 1 {
		t.Fatal("optional media should still negotiate")
	}
	if s.Phase() != PhaseConnecting {
		t.Fatalf("phase = %s", s.Phase())
	}
}

func TestSession_PeerLeftTearsDownInOrder(t *testing.T) {
	s, pc, sig, mgr := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	_ = s.AcquireMedia(context.Background(), media.FacingUser)
	pc.stream = mgr.Stream()

	s.HandleSignal(msg(t, models.SignalTypePeerLeft, models.PeerLeftPayload{PeerID: "b"}))

	select {
	case <-s.Done():
	default:
		t.Fatal("session should be torn down")
	}
	if s.Phase() != PhaseClosed || s.State() != StateClosed {
		t.Fatalf("phase = %s state = %s", s.Phase(), s.State())
	}
	if !pc.mediaStoppedAtClose {
		t.Fatal("media must be stopped before the connection closes")
	}
	if !sig.pcClosedAtClose {
		t.Fatal("connection must be closed before signaling")
	}

	_ = s.Close()
	_ = s.Close()
	closes := 0
	for _, c := range pc.callLog() {
		if c == "close" {
			closes++
		}
	}
	if closes != 1 || sig.closes != 1 {
		t.Fatalf("pc closes = %d, signaling closes = %d, want 1 each", closes, sig.closes)
	}
}

func TestSession_IgnoresSignalsAfterClose(t *testing.T) {
	s, pc, _, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	_ = s.AcquireMedia(context.Background(), media.FacingUser)
	_ = s.Close()

	s.HandleSignal(models.SignalMessage{Type: models.SignalTypeReady, RoomID: room})
	if indexOf(pc.callLog(), "createOffer") >= 0 {
		t.Fatal("closed session must not negotiate")
	}
	if err := s.AcquireMedia(context.Background(), media.FacingUser); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestSession_RoomFull(t *testing.T) {
	s, _, _, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	s.HandleSignal(models.SignalMessage{Type: models.SignalTypeRoomFull, RoomID: room})

	if !errors.Is(s.Err(), ErrRoomFull) || s.Phase() != PhaseFailed {
		t.Fatalf("err = %v phase = %s", s.Err(), s.Phase())
	}
}

func TestSession_NativeStates(t *testing.T) {
	var states []ConnectionState
	pc := &fakePC{}
	s := NewSession(pc, nil, Config{
		RoomID:        room,
		Policy:        MediaOptional,
		OnStateChange: func(st ConnectionState) { states = append(states, st) },
	})
	defer s.Close()

	pc.onState(webrtc.PeerConnectionStateNew)
	pc.onState(webrtc.PeerConnectionStateConnecting)
	pc.onState(webrtc.PeerConnectionStateConnected)
	if s.Phase() != PhaseConnected {
		t.Fatalf("phase = %s", s.Phase())
	}
	pc.onState(webrtc.PeerConnectionStateDisconnected)
	if s.Phase() != PhaseFailed || s.State() != StateFailed {
		t.Fatalf("phase = %s state = %s", s.Phase(), s.State())
	}

	want := []ConnectionState{StateConnected, StateFailed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestSession_LocalCandidateSentImmediately(t *testing.T) {
	_, pc, sig, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))

	pc.onCand(nil)
	pc.onCand(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       5000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})

	sent := sig.ofType(models.SignalTypeCandidate)
	if len(sent) != 1 || sent[0].RoomID != room {
		t.Fatalf("candidates sent = %+v", sent)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(sent[0].Payload, &init); err != nil || init.Candidate == "" {
		t.Fatalf("payload = %s: %v", sent[0].Payload, err)
	}
}

func TestSession_SignalingLost(t *testing.T) {
	s, _, _, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	s.OnDisconnected(errors.New("eof"))
	if !errors.Is(s.Err(), ErrSignalingLost) {
		t.Fatalf("err = %v", s.Err())
	}

	s2, pc2, _, _ := newTestSession(t, MediaRequired, media.NewSyntheticSource(1))
	pc2.onState(webrtc.PeerConnectionStateConnected)
	s2.OnDisconnected(errors.New("eof"))
	if s2.Phase() != PhaseConnected {
		t.Fatalf("connected call should survive signaling loss, phase = %s", s2.Phase())
	}
}

func TestMapState(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]ConnectionState{
		webrtc.PeerConnectionStateUnknown:      StateConnecting,
		webrtc.PeerConnectionStateNew:          StateConnecting,
		webrtc.PeerConnectionStateConnecting:   StateConnecting,
		webrtc.PeerConnectionStateConnected:    StateConnected,
		webrtc.PeerConnectionStateDisconnected: StateFailed,
		webrtc.PeerConnectionStateFailed:       StateFailed,
		webrtc.PeerConnectionStateClosed:       StateClosed,
	}
	for native, want := range cases {
		if got := MapState(native); got != want {
			t.Errorf("MapState(%s) = %s, want %s", native, got, want)
		}
		if MapState(native) != MapState(native) {
			t.Errorf("MapState(%s) not deterministic", native)
		}
	}
}

func TestParseMediaPolicy(t *testing.T) {
	for in, want := range map[string]MediaPolicy{"": MediaRequired, "required": MediaRequired, "optional": MediaOptional} {
		got, err := ParseMediaPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseMediaPolicy(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseMediaPolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
