//go:build mediadevices

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const deviceMTU = 1200

// DeviceSource captures the local camera and microphone through
// pion/mediadevices, encoding VP8 and Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Codecs returns the encoders that must be registered on the media engine.
func (s *DeviceSource) Codecs() CodecRegistrar {
	return s.selector
}

func (s *DeviceSource) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		cam, ok := pickCamera(c.Facing)
		if !ok {
			return nil, errors.New("no camera found")
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(cam.DeviceID)
			mc.Width = prop.Int(640)
			mc.Height = prop.Int(480)
		}
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	stream := &Stream{Facing: c.Facing}
	if tracks := ms.GetAudioTracks(); len(tracks) > 0 {
		t, err := forwardTrack(tracks[0], webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio")
		if err != nil {
			closeAll(ms)
			return nil, err
		}
		stream.Audio = t
	}
	if tracks := ms.GetVideoTracks(); len(tracks) > 0 {
		t, err := forwardTrack(tracks[0], webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video")
		if err != nil {
			closeAll(ms)
			stream.Stop()
			return nil, err
		}
		stream.Video = t
	}
	return stream, nil
}

func (s *DeviceSource) VideoInputs(context.Context) (int, error) {
	n := 0
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			n++
		}
	}
	return n, nil
}

// pickCamera matches facing against device labels; drivers do not expose a
// facing mode, so the first camera stands in for the front one.
func pickCamera(facing Facing) (mediadevices.MediaDeviceInfo, bool) {
	var cams []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d)
		}
	}
	if len(cams) == 0 {
		return mediadevices.MediaDeviceInfo{}, false
	}
	for _, cam := range cams {
		if isRearLabel(cam.Label) == (facing == FacingEnvironment) {
			return cam, true
		}
	}
	if facing == FacingEnvironment && len(cams) > 1 {
		return cams[1], true
	}
	return cams[0], true
}

func isRearLabel(label string) bool {
	l := strings.ToLower(label)
	return strings.Contains(l, "back") || strings.Contains(l, "rear") || strings.Contains(l, "environment")
}

// forwardTrack pumps encoded RTP from a captured track into a static RTP
// track that can be attached to any number of senders.
func forwardTrack(src mediadevices.Track, capability webrtc.RTPCodecCapability, id string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, src.StreamID())
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}

	codec := capability.MimeType[strings.Index(capability.MimeType, "/")+1:]
	reader, err := src.NewRTPReader(codec, 0, deviceMTU)
	if err != nil {
		return nil, fmt.Errorf("create %s RTP reader: %w", id, err)
	}

	t := NewTrack(local, func() {
		_ = reader.Close()
		_ = src.Close()
	})

	go func() {
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				if !errors.Is(err, io.EOF) && !t.Stopped() {
					log.Printf("[media] %s RTP read: %v", id, err)
				}
				return
			}
			for _, pkt := range pkts {
				if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					log.Printf("[media] %s write RTP: %v", id, err)
				}
			}
			if release != nil {
				release()
			}
		}
	}()
	return t, nil
}

func closeAll(ms mediadevices.MediaStream) {
	for _, t := range ms.GetTracks() {
		_ = t.Close()
	}
}
