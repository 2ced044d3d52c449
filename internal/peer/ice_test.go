package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mossy-p/pair-signaling/internal/turn"
)

func TestFetchICEServers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/turn-credentials" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"username":"1700000600","credential":"c2VjcmV0","ttl":600,
			"iceServers":[{"urls":["stun:stun.l.google.com:19302"]},
			{"urls":["turn:turn.example.com:3478?transport=udp"],"username":"1700000600","credential":"c2VjcmV0"}]}`))
	}))
	defer ts.Close()

	servers := FetchICEServers(context.Background(), ts.Client(), ts.URL)
	if len(servers) != 2 {
		t.Fatalf("servers = %+v, want 2", servers)
	}
	if servers[1].Username != "1700000600" {
		t.Fatalf("turn username = %q", servers[1].Username)
	}
}

func TestFetchICEServers_FallsBack(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer garbage.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	for name, url := range map[string]string{"500": broken.URL, "garbage": garbage.URL, "unreachable": closedURL} {
		t.Run(name, func(t *testing.T) {
			servers := FetchICEServers(context.Background(), nil, url)
			if len(servers) != 1 || servers[0].URLs[0] != turn.PublicSTUNURL {
				t.Fatalf("servers = %+v, want public STUN only", servers)
			}
		})
	}
}
