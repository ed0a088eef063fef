// Package server hosts client sessions over SSH and the relay protocol
// over websockets.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/metrics"
	"github.com/thalynlabs/mudscape/pemfile"
	"github.com/thalynlabs/mudscape/profile"
	"github.com/thalynlabs/mudscape/relay"
	"github.com/thalynlabs/mudscape/session"
	"gopkg.in/natefinch/lumberjack.v2"

	gossh "golang.org/x/crypto/ssh"
)

type Server struct {
	config     Config
	ctx        context.Context
	cancel     context.CancelFunc
	metrics    *metrics.Metrics
	supervisor *relay.Supervisor
	profiles   *profile.Store
	signer     gossh.Signer
	logFile    *lumberjack.Logger

	mu         sync.Mutex
	sshServer  *ssh.Server
	httpServer *http.Server

	wg sync.WaitGroup
}

// New prepares the data directory, host key and profile database.
func New(ctx context.Context, config Config, opts ...relay.Option) (*Server, error) {
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, mudscape.WithStack(err)
	}
	s := &Server{
		config:  config,
		metrics: metrics.New(),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if config.LogFile != "" {
		s.logFile = &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.LogMaxSizeMB,
			MaxBackups: config.LogMaxBackups,
			MaxAge:     config.LogMaxAgeDays,
		}
		log.SetOutput(s.logFile)
	}

	signer, generated, err := pemfile.KeyParams{
		Comment:       "mudscape",
		KeyPath:       filepath.Join(config.Dir, "host_key"),
		SSHPubKeyPath: filepath.Join(config.Dir, "host_key.pub"),
	}.Signer()
	if err != nil {
		return nil, err
	}
	if generated {
		log.Printf("Generated SSH host key in %q", config.Dir)
	}
	s.signer = signer

	if s.profiles, err = profile.Open(filepath.Join(config.Dir, "profiles")); err != nil {
		return nil, err
	}
	if config.ProfilesFile != "" {
		profiles, err := profile.LoadYAML(config.ProfilesFile)
		if err != nil {
			s.profiles.Close()
			return nil, err
		}
		if err := s.importProfiles(profiles); err != nil {
			s.profiles.Close()
			return nil, err
		}
	}

	if s.config.Session.LogDir == "" {
		s.config.Session.LogDir = filepath.Join(config.Dir, "logs")
	}
	s.supervisor = relay.New(config.Relay, append([]relay.Option{relay.WithMetrics(s.metrics)}, opts...)...)
	return s, nil
}

func (s *Server) Supervisor() *relay.Supervisor {
	return s.supervisor
}

func (s *Server) Profiles() *profile.Store {
	return s.profiles
}

func (s *Server) importProfiles(profiles []*profile.Profile) error {
	if err := s.profiles.Import(profiles); err != nil {
		return err
	}
	log.Printf("Imported %d profiles", len(profiles))
	return nil
}

func (s *Server) handleSession(sess ssh.Session) {
	sessCtx := sess.Context()
	c, err := session.New(sessCtx, sess.User(), sess, session.Options{
		Config:     s.config.Session,
		Supervisor: s.supervisor,
		Profiles:   s.profiles,
		Metrics:    s.metrics,
	})
	if err != nil {
		fmt.Fprintf(sess, "InternalServerError: %v\n", err)
		log.Println(err)
		log.Println(mudscape.StackTrace(err))
		return
	}
	if pty, winCh, ok := sess.Pty(); ok {
		c.Resize(pty.Window.Width, pty.Window.Height)
		go func() {
			for win := range winCh {
				c.Resize(win.Width, win.Height)
			}
		}()
	}
	if err := c.Run(); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(sess, "InternalServerError: %v\n", err)
		log.Println(err)
		log.Println(mudscape.StackTrace(err))
	}
}

// admittedConn releases its per-source slot once when closed.
type admittedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (a *admittedConn) Close() error {
	a.once.Do(a.release)
	return a.Conn.Close()
}

func (s *Server) admit(_ ssh.Context, conn net.Conn) net.Conn {
	release, err := s.supervisor.Admit(relay.Source(conn.RemoteAddr()))
	if err != nil {
		log.Printf("refusing SSH from %s: %v", conn.RemoteAddr(), err)
		// Lines before the version exchange are shown by SSH clients.
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		fmt.Fprintf(conn, "%v\r\n", err)
		conn.Close()
		return nil
	}
	return &admittedConn{Conn: conn, release: release}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.handleWebsocket)
	return r
}

// Start listens on the configured addresses and serves until Close.
func (s *Server) Start() error {
	sshLn, err := net.Listen("tcp", s.config.SSHAddr)
	if err != nil {
		return mudscape.WithStack(err)
	}
	httpLn, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		sshLn.Close()
		return mudscape.WithStack(err)
	}
	return s.StartWithListeners(sshLn, httpLn)
}

// StartWithListeners serves on the given listeners until Close.
func (s *Server) StartWithListeners(sshLn, httpLn net.Listener) error {
	sshServer := &ssh.Server{
		Handler:      s.handleSession,
		ConnCallback: s.admit,
	}
	if s.config.Password != "" {
		sshServer.PasswordHandler = func(_ ssh.Context, password string) bool {
			return subtle.ConstantTimeCompare([]byte(password), []byte(s.config.Password)) == 1
		}
	}
	sshServer.AddHostKey(s.signer)
	httpServer := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Lock()
	s.sshServer, s.httpServer = sshServer, httpServer
	s.mu.Unlock()

	if s.config.ProfilesFile != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := profile.Watch(s.ctx, s.config.ProfilesFile, func(profiles []*profile.Profile) {
				if err := s.importProfiles(profiles); err != nil {
					log.Printf("importing %q: %v", s.config.ProfilesFile, err)
				}
			}); err != nil {
				log.Printf("watching %q: %v", s.config.ProfilesFile, err)
			}
		}()
	}

	log.Printf("Listening on %q (SSH) with public key %q and %q (HTTP)",
		sshLn.Addr(), gossh.FingerprintSHA256(s.signer.PublicKey()), httpLn.Addr())

	errs := make(chan error, 2)
	go func() {
		if err := sshServer.Serve(sshLn); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			errs <- mudscape.WithStack(err)
			return
		}
		errs <- nil
	}()
	go func() {
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- mudscape.WithStack(err)
			return
		}
		errs <- nil
	}()
	var result error
	for range 2 {
		if err := <-errs; err != nil && result == nil {
			result = err
			s.cancel()
			s.shutdown()
		}
	}
	return result
}

// shutdown closes SSH sessions right away and gives HTTP requests a few
// seconds to finish.
func (s *Server) shutdown() {
	s.mu.Lock()
	sshServer, httpServer := s.sshServer, s.httpServer
	s.mu.Unlock()
	if sshServer != nil {
		sshServer.Close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			httpServer.Close()
		}
	}
}

// Close stops serving and releases the profile database.
func (s *Server) Close() error {
	s.cancel()
	s.shutdown()
	s.wg.Wait()
	err := s.profiles.Close()
	if s.logFile != nil {
		log.SetOutput(os.Stderr)
		if logErr := s.logFile.Close(); err == nil {
			err = logErr
		}
	}
	return err
}
