package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pair-signaling/config"
	"github.com/mossy-p/pair-signaling/internal/media"
	"github.com/mossy-p/pair-signaling/internal/peer"
	"github.com/mossy-p/pair-signaling/internal/signal"
)

func main() {
	cfg := config.LoadPeer()
	if cfg.RoomID == "" {
		log.Fatal("ROOM_ID is required")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pick the capture source
	var (
		source media.Source
		opts   = peer.APIOptions{LogLevel: peer.ParseLogLevel(cfg.PionLogLevel)}
	)
	switch cfg.MediaSource {
	case "device":
		devices, err := media.NewDeviceSource()
		if err != nil {
			log.Fatalf("Failed to open capture devices: %v", err)
		}
		source = devices
		opts.Codecs = devices.Codecs()
	case "synthetic":
		source = media.NewSyntheticSource(1)
	default:
		log.Fatalf("Unknown MEDIA_SOURCE %q", cfg.MediaSource)
	}

	policy, err := peer.ParseMediaPolicy(cfg.MediaPolicy)
	if err != nil {
		log.Fatalf("Invalid MEDIA_POLICY: %v", err)
	}

	api, err := peer.NewAPI(opts)
	if err != nil {
		log.Fatalf("Failed to build WebRTC API: %v", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	iceServers := peer.FetchICEServers(fetchCtx, &http.Client{Timeout: 5 * time.Second}, cfg.SignalServerURL)
	cancel()

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		log.Fatalf("Failed to create peer connection: %v", err)
	}

	failed := make(chan struct{}, 1)
	session := peer.NewSession(pc, media.NewManager(source), peer.Config{
		RoomID: cfg.RoomID,
		Policy: policy,
		OnPhaseChange: func(p peer.Phase) {
			if p == peer.PhaseFailed {
				select {
				case failed <- struct{}{}:
				default:
				}
			}
		},
		OnTrack: drainTrack,
	})

	client, err := signal.NewClient(cfg.SignalServerURL, session)
	if err != nil {
		log.Fatalf("Invalid SIGNAL_SERVER_URL: %v", err)
	}
	session.SetSignaler(client)

	// Capture and signaling run side by side; early offers wait for the
	// media outcome inside the session.
	go func() {
		if err := session.AcquireMedia(ctx, media.ParseFacing(cfg.CameraFacing)); err != nil && !errors.Is(err, peer.ErrClosed) {
			log.Printf("Local media: %v", err)
		}
	}()

	if err := client.Connect(ctx); err != nil {
		log.Printf("Failed to reach signaling server: %v", err)
		_ = session.Close()
		os.Exit(1)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Println("Hanging up")
	case <-session.Done():
		log.Println("Call ended")
	case <-failed:
		log.Printf("Call failed: %v", session.Err())
		exitCode = 1
	}
	_ = session.Close()
	os.Exit(exitCode)
}

// drainTrack reads a remote track until it ends so the interceptors keep
// producing receiver reports.
func drainTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Printf("Receiving %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
	go func() {
		var packets int
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				log.Printf("%s track %s ended after %d packets", track.Kind(), track.ID(), packets)
				return
			}
			packets++
		}
	}()
}
