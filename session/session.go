// Package session runs one interactive client: a terminal line editor in
// front of a relay connection, with the profile's automation in between.
package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/metrics"
	"github.com/thalynlabs/mudscape/pipeline"
	"github.com/thalynlabs/mudscape/profile"
	"github.com/thalynlabs/mudscape/relay"
	"github.com/thalynlabs/mudscape/rules"
	"github.com/thalynlabs/mudscape/sound"
	"github.com/thalynlabs/mudscape/transport"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrQuit ends a session at the user's request.
var ErrQuit = errors.New("quit")

type Config struct {
	Pipeline pipeline.Config `yaml:"pipeline"`
	// LogDir holds one rotating log file per user for the log() function.
	// Empty disables the files.
	LogDir        string `yaml:"logDir"`
	LogMaxSizeMB  int    `yaml:"logMaxSizeMB"`
	LogMaxBackups int    `yaml:"logMaxBackups"`
}

func DefaultConfig() Config {
	return Config{
		Pipeline:      pipeline.DefaultConfig(),
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
	}
}

type Options struct {
	Config     Config
	Supervisor *relay.Supervisor
	Profiles   *profile.Store
	Metrics    *metrics.Metrics
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	config Config
	user   string
	term   *term.Terminal

	manager  *profile.Manager
	conn     *relay.Connection
	sched    *rules.Scheduler
	rules    *rules.Store
	engines  *engines
	pipe     *pipeline.Pipeline
	player   *sound.TerminalPlayer
	logFile  *lumberjack.Logger
	metrics  *metrics.Metrics
	commands commands

	flush *time.Timer

	gaugeMu sync.Mutex
	gauges  map[string]gauge

	gmcpMu sync.Mutex
	gmcp   map[string]any
}

// New prepares a session for user on rw, loading the user's profile.
func New(ctx context.Context, user string, rw io.ReadWriter, opts Options) (*Session, error) {
	if opts.Supervisor == nil || opts.Profiles == nil {
		return nil, errors.New("session needs a supervisor and a profile store")
	}
	manager, err := profile.NewManager(opts.Profiles, user)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	s := &Session{
		config:  opts.Config,
		user:    user,
		term:    term.NewTerminal(rw, "> "),
		manager: manager,
		sched:   rules.NewScheduler(),
		engines: &engines{timeout: opts.Config.Pipeline.ScriptTimeout},
		metrics: opts.Metrics,
		gauges:  map[string]gauge{},
		gmcp:    map[string]any{},
	}
	s.ctx, s.cancel = context.WithCancel(mudscape.WithSessionID(ctx, user))
	s.player = sound.NewTerminalPlayer(s.term)
	s.conn = opts.Supervisor.NewConnection(s.receive)
	s.rules = rules.NewStore(s.sched, func(name, source string) {
		s.pipe.RunTimer(name, source)
	})
	if s.config.LogDir != "" {
		s.logFile = &lumberjack.Logger{
			Filename:   filepath.Join(s.config.LogDir, user+".log"),
			MaxSize:    s.config.LogMaxSizeMB,
			MaxBackups: s.config.LogMaxBackups,
		}
	}
	popts := pipeline.Options{
		Store:     s.rules,
		Engine:    s.engines,
		Display:   s,
		Sender:    sender{s.conn},
		Variables: manager,
		Player:    s.player,
		Metrics:   opts.Metrics,
	}
	if s.logFile != nil {
		popts.Log = s.logFile
	}
	s.pipe = pipeline.New(s.config.Pipeline, popts)
	s.flush = time.AfterFunc(time.Hour, func() { s.pipe.Flush() })
	s.flush.Stop()
	s.commands = s.localCommands()

	s.apply(manager.Profile())
	s.rules.SetOwner(manager)
	manager.Subscribe(s.apply)
	return s, nil
}

// sender refuses input while the relay has no live socket.
type sender struct {
	conn *relay.Connection
}

func (s sender) Send(text string) error {
	if s.conn.State() != relay.Connected {
		return errors.WithStack(relay.ErrNotConnected)
	}
	return s.conn.Send(text)
}

// apply makes p the source of the session's rules and settings.
func (s *Session) apply(p *profile.Profile) {
	s.rules.Load(p.Rules)
	s.pipe.SetTriggersEnabled(p.TriggersEnabled)
	if err := s.pipe.SetPromptPattern(p.PromptPattern); err != nil {
		s.Echo(fmt.Sprintf("Ignoring prompt pattern: %v", err))
	}
	s.engines.setLanguage(p.ScriptLanguage)
}

func (s *Session) receive(ev transport.Inbound) {
	switch ev := ev.(type) {
	case transport.Data:
		s.pipe.Receive(ev.Content)
		if s.pipe.Pending() != "" {
			s.flush.Reset(s.config.Pipeline.PromptFlushDelay)
		}
	case transport.Connected:
		s.Echo(fmt.Sprintf("Connected to %s:%d.", ev.Host, ev.Port))
	case transport.Disconnected:
		s.flush.Stop()
		s.pipe.Flush()
		s.Echo(fmt.Sprintf("Disconnected: %s.", ev.Reason))
	case transport.Error:
		s.Echo("Error: " + ev.Message)
	case transport.GMCP:
		s.gmcpMu.Lock()
		s.gmcp[ev.Module] = ev.Data
		s.gmcpMu.Unlock()
	}
}

// Resize adjusts the line editor to a new window size.
func (s *Session) Resize(width, height int) {
	if err := s.term.SetSize(width, height); err != nil {
		log.Printf("%s: resizing terminal: %v", s.user, err)
	}
}

// Run reads input until the user quits or the terminal closes.
func (s *Session) Run() error {
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()
	defer s.close()

	go func() {
		if err := s.sched.Start(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("%s: scheduler: %v", s.user, err)
		}
	}()
	go func() {
		if err := s.pipe.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("%s: pipeline: %v", s.user, err)
		}
	}()

	fmt.Fprintf(s.term, "Welcome, %s! Type %shelp for commands.\n", s.user, s.config.Pipeline.CommandPrefix)
	if p := s.manager.Profile(); p.Host != "" {
		fmt.Fprintf(s.term, "Profile %q connects to %s:%d, type %sconnect.\n", p.Name, p.Host, p.Port, s.config.Pipeline.CommandPrefix)
	}
	for {
		line, err := s.term.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return mudscape.WithStack(err)
		}
		if err := s.Handle(line); errors.Is(err, ErrQuit) {
			return nil
		} else if err != nil {
			fmt.Fprintln(s.term, err)
		}
	}
}

// Handle processes one line of user input: a local command if it starts
// with the command prefix, otherwise input for alias expansion.
func (s *Session) Handle(line string) error {
	prefix := s.config.Pipeline.CommandPrefix
	if prefix != "" && strings.HasPrefix(line, prefix) {
		return s.command(strings.TrimPrefix(line, prefix))
	}
	if err := s.pipe.Input(line); errors.Is(err, relay.ErrNotConnected) {
		return errors.Errorf("Not connected, use %sconnect.", prefix)
	} else if err != nil {
		return err
	}
	return nil
}

func (s *Session) close() {
	s.flush.Stop()
	s.conn.Disconnect()
	if err := s.pipe.Close(); err != nil {
		log.Printf("%s: closing pipeline: %v", s.user, err)
	}
	s.sched.Close()
	s.manager.Close()
	s.cancel()
	if err := s.engines.Close(); err != nil {
		log.Printf("%s: closing script engines: %v", s.user, err)
	}
	if s.logFile != nil {
		if err := s.logFile.Close(); err != nil {
			log.Printf("%s: closing session log: %v", s.user, err)
		}
	}
}
