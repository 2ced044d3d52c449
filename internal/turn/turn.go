package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
)

// This package issues TURN REST style credentials (time-limited shared secret).
//
//	username   = <unix_expiry_timestamp>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Nothing is stored; a TURN server holding the same secret authenticates by
// recomputing the HMAC and checking the expiry.

// PublicSTUNURL is handed out with every credential and is the fallback when
// no TURN credentials can be obtained.
const PublicSTUNURL = "stun:stun.l.google.com:19302"

const (
	defaultTURNPort = 3478
	defaultTLSPort  = 5349
)

var (
	ErrExpired       = errors.New("turn: credential expired")
	ErrBadCredential = errors.New("turn: credential does not match")
	ErrBadUsername   = errors.New("turn: malformed username")
)

// Config holds the issuer inputs. Realm is the TURN server host name.
type Config struct {
	Secret     string
	Realm      string
	TTLSeconds int64
}

// Credential is a short-lived TURN login.
type Credential struct {
	Username   string
	Password   string
	TTLSeconds int64
	ExpiryUnix int64
	ICEServers []webrtc.ICEServer
}

// Issue computes a credential valid for cfg.TTLSeconds from now. An empty
// secret still yields a well-formed (but unauthenticatable) credential.
func Issue(cfg Config, now time.Time) Credential {
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = 3600
	}
	expiry := now.UTC().Unix() + ttl
	username := strconv.FormatInt(expiry, 10)
	password := sign([]byte(cfg.Secret), username)

	return Credential{
		Username:   username,
		Password:   password,
		TTLSeconds: ttl,
		ExpiryUnix: expiry,
		ICEServers: ICEServers(cfg.Realm, username, password),
	}
}

// ICEServers returns the public STUN entry followed by the TURN entry for
// realm in its UDP, TCP and TLS variants.
func ICEServers(realm, username, password string) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: []string{PublicSTUNURL}}}
	if realm == "" {
		return servers
	}
	return append(servers, webrtc.ICEServer{
		URLs: []string{
			fmt.Sprintf("turn:%s:%d?transport=udp", realm, defaultTURNPort),
			fmt.Sprintf("turn:%s:%d?transport=tcp", realm, defaultTURNPort),
			fmt.Sprintf("turns:%s:%d?transport=tcp", realm, defaultTLSPort),
		},
		Username:       username,
		Credential:     password,
		CredentialType: webrtc.ICECredentialTypePassword,
	})
}

// FallbackICEServers is the STUN-only list used when credentials are unavailable.
func FallbackICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{PublicSTUNURL}}}
}

// Verify checks password against username the way a TURN server would.
func Verify(secret, username, password string, now time.Time) error {
	expiry, err := strconv.ParseInt(username, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadUsername, username)
	}
	want := sign([]byte(secret), username)
	if !hmac.Equal([]byte(want), []byte(password)) {
		return ErrBadCredential
	}
	if expiry <= now.UTC().Unix() {
		return ErrExpired
	}
	return nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
