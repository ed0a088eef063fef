// Package relay opens and supervises outbound telnet connections to game
// servers on behalf of clients, turning socket traffic into transport events.
package relay

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/thalynlabs/mudscape/metrics"
	"github.com/thalynlabs/mudscape/telnet"
)

type Config struct {
	MaxPerSource  int           `yaml:"maxPerSource"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	DNSCacheTTL   time.Duration `yaml:"dnsCacheTTL"`
	AllowPrivate  bool          `yaml:"allowPrivate"`
	ClientName    string        `yaml:"clientName"`
	ClientVersion string        `yaml:"clientVersion"`
	TerminalType  string        `yaml:"terminalType"`
	WindowWidth   int           `yaml:"windowWidth"`
	WindowHeight  int           `yaml:"windowHeight"`
}

func DefaultConfig() Config {
	return Config{
		MaxPerSource:  5,
		DialTimeout:   10 * time.Second,
		DNSCacheTTL:   defaultDNSTTL,
		ClientName:    telnet.DefaultIdentity.Client,
		ClientVersion: telnet.DefaultIdentity.Version,
		TerminalType:  telnet.DefaultTerminalType,
		WindowWidth:   telnet.DefaultWindow.Width,
		WindowHeight:  telnet.DefaultWindow.Height,
	}
}

// Dialer opens the outbound socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Supervisor admits client sessions and creates their server connections.
// It is safe for concurrent use.
type Supervisor struct {
	config    Config
	validator *Validator
	limiter   *Limiter
	dialer    Dialer
	metrics   *metrics.Metrics
}

type Option func(*Supervisor)

func WithResolver(r Resolver) Option {
	return func(s *Supervisor) {
		s.validator.Resolver = r
	}
}

func WithDialer(d Dialer) Option {
	return func(s *Supervisor) {
		s.dialer = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

func New(config Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		config:    config,
		validator: NewValidator(nil, config.DNSCacheTTL, config.AllowPrivate),
		limiter:   NewLimiter(config.MaxPerSource),
		dialer:    &net.Dialer{Timeout: config.DialTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Config() Config {
	return s.config
}

// Admit reserves a session slot for source. Callers must invoke the
// returned release func when the session ends.
func (s *Supervisor) Admit(source string) (func(), error) {
	release, err := s.limiter.Acquire(source)
	if err != nil {
		s.metrics.Rejected("source_limit")
		return nil, err
	}
	return release, nil
}

// Active returns the number of admitted sessions from source.
func (s *Supervisor) Active(source string) int {
	return s.limiter.Active(source)
}

// NewConnection returns an idle connection that reports to sink.
func (s *Supervisor) NewConnection(sink Sink) *Connection {
	return &Connection{
		id:   uuid.NewString(),
		sup:  s,
		sink: sink,
	}
}

func (s *Supervisor) decoder(gmcp bool) *telnet.Decoder {
	return &telnet.Decoder{
		GMCPRequested: gmcp,
		Identity: telnet.Identity{
			Client:  s.config.ClientName,
			Version: s.config.ClientVersion,
		},
		Window: telnet.Window{
			Width:  s.config.WindowWidth,
			Height: s.config.WindowHeight,
		},
		TerminalType: s.config.TerminalType,
	}
}
