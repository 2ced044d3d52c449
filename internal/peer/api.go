package peer

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	transport "github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pair-signaling/internal/media"
)

const DefaultPLIInterval = 3 * time.Second

// APIOptions configure NewAPI. The zero value gives pion's default codecs on
// the host network.
type APIOptions struct {
	// Codecs replaces the default codec set, e.g. with a capture source's
	// encoders.
	Codecs media.CodecRegistrar
	// Net overrides the network stack; tests pass a vnet.Net.
	Net      transport.Net
	LogLevel logging.LogLevel
}

// NewAPI builds a pion API with the default interceptors plus periodic PLI
// so a late joiner gets a keyframe.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		opts.Codecs.Populate(m)
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(DefaultPLIInterval))
	if err != nil {
		return nil, fmt.Errorf("create interval pli: %w", err)
	}
	i.Add(pli)

	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = opts.LogLevel

	se := webrtc.SettingEngine{LoggerFactory: lf}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// ParseLogLevel maps a level name to a pion log level, defaulting to warn.
func ParseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "warn", "warning", "":
		return logging.LogLevelWarn
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	}
	log.Printf("[peer] unknown pion log level %q, using warn", s)
	return logging.LogLevelWarn
}
