package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pair-signaling/internal/models"
	"github.com/mossy-p/pair-signaling/internal/turn"
)

// FetchICEServers asks the signaling server for TURN credentials. Any failure
// falls back to the public STUN server so negotiation can still proceed.
func FetchICEServers(ctx context.Context, client *http.Client, baseURL string) []webrtc.ICEServer {
	servers, err := fetchICEServers(ctx, client, baseURL)
	if err != nil {
		log.Printf("[peer] TURN credentials unavailable, using public STUN: %v", err)
		return turn.FallbackICEServers()
	}
	return servers
}

func fetchICEServers(ctx context.Context, client *http.Client, baseURL string) ([]webrtc.ICEServer, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint, err := url.JoinPath(baseURL, "turn-credentials")
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("turn-credentials returned %d", resp.StatusCode)
	}

	var body models.TURNCredentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(body.ICEServers) == 0 {
		return nil, fmt.Errorf("response has no ICE servers")
	}
	return body.ICEServers, nil
}
