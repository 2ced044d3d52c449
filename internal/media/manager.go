package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Manager owns the local stream of a session: which camera is in use and
// whether audio and video are currently sent.
type Manager struct {
	source Source

	mu           sync.Mutex
	stream       *Stream
	facing       Facing
	audioEnabled bool
	videoEnabled bool
	canSwitch    bool
	binder       TrackBinder
}

func NewManager(source Source) *Manager {
	return &Manager{
		source:       source,
		facing:       FacingUser,
		audioEnabled: true,
		videoEnabled: true,
	}
}

// Bind routes later track substitutions to b.
func (m *Manager) Bind(b TrackBinder) {
	m.mu.Lock()
	m.binder = b
	m.mu.Unlock()
}

// Acquire captures camera and microphone with the given facing and makes the
// result the current stream. The previous stream is stopped right after the
// new one is captured. On failure the previous stream is kept and the error
// wraps ErrPermission.
func (m *Manager) Acquire(ctx context.Context, facing Facing) (*Stream, error) {
	stream, err := m.source.GetUserMedia(ctx, Constraints{Audio: true, Video: true, Facing: facing})
	if err != nil {
		log.Printf("[media] getUserMedia(%s): %v", facing, err)
		return nil, fmt.Errorf("%w: %v", ErrPermission, err)
	}

	canSwitch := false
	if n, err := m.source.VideoInputs(ctx); err != nil {
		log.Printf("[media] enumerate video inputs: %v", err)
	} else {
		canSwitch = n > 1
	}

	m.mu.Lock()
	prev := m.stream
	m.stream = stream
	m.facing = facing
	m.audioEnabled = true
	m.videoEnabled = true
	m.canSwitch = canSwitch
	binder := m.binder
	m.mu.Unlock()

	prev.Stop()

	if binder != nil && prev != nil {
		for _, t := range stream.Tracks() {
			if err := binder.ReplaceTrack(t.Kind(), t.Local()); err != nil {
				return stream, fmt.Errorf("replace %s track: %w", t.Kind(), err)
			}
		}
	}

	log.Printf("[media] acquired %d tracks, facing %s, switch offered: %v", len(stream.Tracks()), facing, canSwitch)
	return stream, nil
}

// SwitchFacing captures video from the opposite camera and swaps it into the
// outgoing video sender without renegotiating. Audio is untouched.
func (m *Manager) SwitchFacing(ctx context.Context) error {
	m.mu.Lock()
	if m.stream == nil {
		m.mu.Unlock()
		return ErrNoStream
	}
	next := m.facing.Opposite()
	m.mu.Unlock()

	captured, err := m.source.GetUserMedia(ctx, Constraints{Video: true, Facing: next})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	if captured.Video == nil {
		captured.Stop()
		return fmt.Errorf("%w: no video track for %s camera", ErrPermission, next)
	}

	m.mu.Lock()
	if m.stream == nil {
		// Stopped while capturing.
		m.mu.Unlock()
		captured.Stop()
		return ErrNoStream
	}
	old := m.stream.Video
	m.stream = &Stream{Audio: m.stream.Audio, Video: captured.Video, Facing: next}
	m.facing = next
	sendVideo := m.videoEnabled
	binder := m.binder
	m.mu.Unlock()

	var bindErr error
	if binder != nil && sendVideo {
		bindErr = binder.ReplaceTrack(webrtc.RTPCodecTypeVideo, captured.Video.Local())
	}
	old.Stop()

	if bindErr != nil {
		return fmt.Errorf("replace video track: %w", bindErr)
	}
	log.Printf("[media] switched to %s camera", next)
	return nil
}

// ToggleAudio mutes or unmutes outgoing audio and returns the new state.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo mutes or unmutes outgoing video and returns the new state.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggle(webrtc.RTPCodecTypeVideo)
}

func (m *Manager) toggle(kind webrtc.RTPCodecType) (bool, error) {
	m.mu.Lock()
	var enabled bool
	var track *Track
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		m.audioEnabled = !m.audioEnabled
		enabled = m.audioEnabled
		if m.stream != nil {
			track = m.stream.Audio
		}
	default:
		m.videoEnabled = !m.videoEnabled
		enabled = m.videoEnabled
		if m.stream != nil {
			track = m.stream.Video
		}
	}
	binder := m.binder
	m.mu.Unlock()

	if binder == nil || track == nil {
		return enabled, nil
	}
	var local webrtc.TrackLocal
	if enabled {
		local = track.Local()
	}
	if err := binder.ReplaceTrack(kind, local); err != nil {
		return enabled, fmt.Errorf("toggle %s: %w", kind, err)
	}
	return enabled, nil
}

// Stream returns the current stream, or nil.
func (m *Manager) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *Manager) Facing() Facing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

func (m *Manager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *Manager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

// CanSwitchFacing reports whether more than one camera was found.
func (m *Manager) CanSwitchFacing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canSwitch
}

// Stop stops every local track. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.stream
	m.stream = nil
	m.mu.Unlock()
	s.Stop()
}
