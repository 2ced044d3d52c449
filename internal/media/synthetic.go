package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	syntheticVideoInterval = 33 * time.Millisecond
	syntheticAudioInterval = 20 * time.Millisecond
)

// SyntheticSource produces placeholder VP8 and Opus tracks without touching
// any device. Headless peers and tests use it in place of a camera.
type SyntheticSource struct {
	// Cameras is what VideoInputs reports.
	Cameras int

	mu   sync.Mutex
	fail error
}

func NewSyntheticSource(cameras int) *SyntheticSource {
	return &SyntheticSource{Cameras: cameras}
}

// Deny makes subsequent captures fail with err. A nil err restores access.
func (s *SyntheticSource) Deny(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *SyntheticSource) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "synthetic-" + uuid.NewString()
	stream := &Stream{Facing: c.Facing}

	if c.Audio {
		t, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", streamID, syntheticAudioInterval)
		if err != nil {
			return nil, err
		}
		stream.Audio = t
	}
	if c.Video {
		t, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video-"+string(c.Facing), streamID, syntheticVideoInterval)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Video = t
	}
	return stream, nil
}

func (s *SyntheticSource) VideoInputs(context.Context) (int, error) {
	return s.Cameras, nil
}

func newSyntheticTrack(capability webrtc.RTPCodecCapability, id, streamID string, interval time.Duration) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	t := NewTrack(local, nil)
	go writeSamples(local, t.Done(), interval)
	return t, nil
}

// writeSamples feeds a constant frame until done is closed. Writes before the
// track is bound to a sender are dropped by pion.
func writeSamples(local *webrtc.TrackLocalStaticSample, done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]byte, 64)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = local.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		}
	}
}
