package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermission is returned when camera or microphone access fails.
	ErrPermission = errors.New("media permission denied")
	ErrNoStream   = errors.New("no local stream")
	// ErrDeviceUnsupported is returned by DeviceSource in binaries built
	// without the mediadevices tag, which pulls in cgo capture and codec
	// drivers.
	ErrDeviceUnsupported = errors.New("device capture not compiled in (build with -tags mediadevices)")
)

// Facing is the camera direction, named after getUserMedia's facingMode.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// ParseFacing maps a config value to a Facing, defaulting to the front camera.
func ParseFacing(s string) Facing {
	if Facing(s) == FacingEnvironment {
		return FacingEnvironment
	}
	return FacingUser
}

// Constraints select what a Source captures.
type Constraints struct {
	Audio  bool
	Video  bool
	Facing Facing
}

// Source captures local media.
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	// VideoInputs reports how many cameras are available.
	VideoInputs(ctx context.Context) (int, error)
}

// CodecRegistrar registers a source's encoders on a media engine.
type CodecRegistrar interface {
	Populate(m *webrtc.MediaEngine)
}

// TrackBinder substitutes the outgoing track of a kind on a live connection.
// A nil track mutes the kind.
type TrackBinder interface {
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
}

// Track is one captured local track.
type Track struct {
	local    webrtc.TrackLocal
	release  func()
	stopOnce sync.Once
	done     chan struct{}
}

// NewTrack wraps local. release runs once, on the first Stop.
func NewTrack(local webrtc.TrackLocal, release func()) *Track {
	return &Track{local: local, release: release, done: make(chan struct{})}
}

func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }

// Done is closed once the track is stopped.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stop releases the capture behind the track. Safe to call more than once.
func (t *Track) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.done)
		if t.release != nil {
			t.release()
		}
	})
}

// Stream is a captured set of at most one audio and one video track.
type Stream struct {
	Audio  *Track
	Video  *Track
	Facing Facing
}

func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	var out []*Track
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
