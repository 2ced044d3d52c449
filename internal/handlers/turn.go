package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pair-signaling/config"
	"github.com/mossy-p/pair-signaling/internal/models"
	"github.com/mossy-p/pair-signaling/internal/turn"
)

// TURNCredentials issues a fresh time-limited TURN login per request. A
// missing secret is logged but never fails the call; clients then only get
// something usable out of the STUN entry.
func TURNCredentials(cfg config.TURNConfig, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	if cfg.Secret == "" {
		log.Printf("TURN_SECRET is not set; issued TURN credentials will not authenticate")
	}
	issuerCfg := turn.Config{
		Secret:     cfg.Secret,
		Realm:      cfg.Realm,
		TTLSeconds: cfg.TTLSeconds,
	}

	return func(c *gin.Context) {
		cred := turn.Issue(issuerCfg, now())
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, models.TURNCredentialsResponse{
			Username:   cred.Username,
			Credential: cred.Password,
			TTL:        cred.TTLSeconds,
			ICEServers: cred.ICEServers,
		})
	}
}
