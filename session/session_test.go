package session

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape/profile"
	"github.com/thalynlabs/mudscape/relay"
	"github.com/thalynlabs/mudscape/rules"
)

// terminalClient is the user's end of a session terminal.
type terminalClient struct {
	conn net.Conn
	mu   sync.Mutex
	out  strings.Builder
}

func newTerminalClient(conn net.Conn) *terminalClient {
	tc := &terminalClient{conn: conn}
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			tc.mu.Lock()
			tc.out.Write(buf[:n])
			tc.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return tc
}

func (tc *terminalClient) sendLine(t *testing.T, s string) {
	t.Helper()
	if _, err := tc.conn.Write([]byte(s + "\r")); err != nil {
		t.Fatal(err)
	}
}

func (tc *terminalClient) output() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.out.String()
}

func (tc *terminalClient) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(tc.output(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %q in:\n%s", want, tc.output())
}

func testProfile(name string) *profile.Profile {
	p := profile.Default(name)
	p.GMCP = false
	p.Triggers = []rules.Trigger{{
		ID:      "t1",
		Name:    "hp",
		Pattern: `HP: (\d+)`,
		Active:  true,
		Script:  `if tonumber(matches[1]) < 50 then gag() end`,
	}}
	p.Aliases = []rules.Alias{{
		ID:      "a1",
		Pattern: `^tt (.*)$`,
		Kind:    rules.Command,
		Command: "tell target $1",
		Active:  true,
	}}
	return p
}

func newTestSession(t *testing.T, p *profile.Profile) (*Session, *terminalClient) {
	t.Helper()
	dir := t.TempDir()
	store, err := profile.Open(filepath.Join(dir, "profiles"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Set(p); err != nil {
		t.Fatal(err)
	}
	relayConfig := relay.DefaultConfig()
	relayConfig.AllowPrivate = true
	config := DefaultConfig()
	config.LogDir = filepath.Join(dir, "logs")
	config.Pipeline.PromptFlushDelay = 50 * time.Millisecond

	userEnd, sessionEnd := net.Pipe()
	t.Cleanup(func() {
		userEnd.Close()
		sessionEnd.Close()
	})
	tc := newTerminalClient(userEnd)
	s, err := New(context.Background(), p.Name, sessionEnd, Options{
		Config:     config,
		Supervisor: relay.New(relayConfig),
		Profiles:   store,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, tc
}

func run(s *Session) chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	return done
}

func TestSessionPlaysThroughRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	p := testProfile("alice")
	p.Host = "127.0.0.1"
	p.Port = ln.Addr().(*net.TCPAddr).Port
	s, tc := newTestSession(t, p)
	done := run(s)

	tc.waitFor(t, "Welcome, alice!")
	tc.sendLine(t, "#connect")
	var mud net.Conn
	select {
	case mud = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("relay never connected")
	}
	defer mud.Close()
	tc.waitFor(t, "Connected to 127.0.0.1")

	if _, err := mud.Write([]byte("HP: 30\r\nHP: 80\r\nHello there\r\n<prompt> ")); err != nil {
		t.Fatal(err)
	}
	tc.waitFor(t, "Hello there")
	tc.waitFor(t, "<prompt> ")
	if out := tc.output(); strings.Contains(out, "HP: 30") || !strings.Contains(out, "HP: 80") {
		t.Errorf("low HP line not gagged:\n%s", out)
	}

	tc.sendLine(t, "tt hello")
	mudReader := bufio.NewReader(mud)
	mud.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := mudReader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(line, "tell target hello\r\n") {
		t.Errorf("server got %q", line)
	}

	tc.sendLine(t, "#triggers")
	tc.waitFor(t, `HP: (\d+)`)

	mud.Close()
	tc.waitFor(t, "Disconnected: connection closed by server")

	tc.sendLine(t, "#quit")
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after #quit")
	}
}

func TestHandle(t *testing.T) {
	s, tc := newTestSession(t, testProfile("bob"))
	done := run(s)
	defer func() {
		tc.sendLine(t, "#quit")
		<-done
	}()

	if err := s.Handle("look"); err == nil || !strings.Contains(err.Error(), "Not connected") {
		t.Errorf("Handle(look) = %v", err)
	}
	if err := s.Handle("#bogus"); err == nil {
		t.Error("Handle(#bogus) succeeded")
	}
	if err := s.Handle("#enable"); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("Handle(#enable) = %v", err)
	}
	if err := s.Handle("#disable trigger missing"); err == nil {
		t.Error("disabling a missing trigger succeeded")
	}
	if err := s.Handle("#disable trigger hp"); err != nil {
		t.Fatal(err)
	}
	if s.rules.Triggers()[0].Active {
		t.Error("trigger still active")
	}
	if stored := s.manager.Profile(); stored.Triggers[0].Active {
		t.Error("disable not saved to the profile")
	}

	if err := s.Handle(`#tt '^ready$' "echo('go')" 30`); err != nil {
		t.Fatal(err)
	}
	if n := len(s.rules.TempTriggers()); n != 1 {
		t.Errorf("%d temp triggers", n)
	}

	if err := s.Handle("#prompt ^<.*>$"); err != nil {
		t.Fatal(err)
	}
	if got := s.manager.Profile().PromptPattern; got != "^<.*>$" {
		t.Errorf("prompt pattern = %q", got)
	}
	if err := s.Handle("#prompt ("); err == nil {
		t.Error("invalid prompt pattern accepted")
	}

	if err := s.Handle("#processing off"); err != nil {
		t.Fatal(err)
	}
	if s.pipe.TriggersEnabled() {
		t.Error("processing still on")
	}

	if err := s.manager.SetVariable("target", "orc"); err != nil {
		t.Fatal(err)
	}
	if err := s.Handle("#vars"); err != nil {
		t.Fatal(err)
	}
	tc.waitFor(t, `"orc"`)

	if err := s.Handle("#help"); err != nil {
		t.Fatal(err)
	}
	tc.waitFor(t, "#connect [host port [encoding]]")

	if err := s.Handle("#profile other"); err != nil {
		t.Fatal(err)
	}
	if n := len(s.rules.Triggers()); n != 0 {
		t.Errorf("other profile has %d triggers", n)
	}
	if !s.pipe.TriggersEnabled() {
		t.Error("new profile did not enable processing")
	}

	if err := s.Handle("#quit"); !errors.Is(err, ErrQuit) {
		t.Errorf("Handle(#quit) = %v", err)
	}
}

func TestScriptsReachTerminal(t *testing.T) {
	p := testProfile("carol")
	p.Triggers = append(p.Triggers, rules.Trigger{
		ID:      "t2",
		Pattern: `^You feel (\w+)`,
		Active:  true,
		Script:  `setGauge("HP", 30, 100, ""); notify("Status", matches[1]); log("felt " .. matches[1])`,
	})
	s, tc := newTestSession(t, p)
	done := run(s)
	defer func() {
		tc.sendLine(t, "#quit")
		<-done
	}()

	s.pipe.Receive("You feel weak.\n")
	tc.waitFor(t, "[Status]")
	tc.waitFor(t, "weak")
	if got := s.prompt(); got != "HP 30/100 > " {
		t.Errorf("prompt() = %q", got)
	}
	s.ClearGauge("HP")
	if got := s.prompt(); got != "> " {
		t.Errorf("prompt() after ClearGauge = %q", got)
	}
	if err := s.Handle("#log"); err != nil {
		t.Fatal(err)
	}
	tc.waitFor(t, "felt weak")
	if diff := cmp.Diff([]string{"You feel weak."}, s.pipe.History(5)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestJavaScriptProfile(t *testing.T) {
	p := testProfile("dave")
	p.ScriptLanguage = profile.JavaScript
	p.Triggers = []rules.Trigger{{
		ID:      "t1",
		Pattern: `^HP: (\d+)`,
		Active:  true,
		Script:  `if (parseInt(matches[1]) < 50) { gag(); echo("hidden " + matches[1]); }`,
	}}
	s, tc := newTestSession(t, p)
	done := run(s)
	defer func() {
		tc.sendLine(t, "#quit")
		<-done
	}()
	s.pipe.Receive("HP: 20\nok\n")
	tc.waitFor(t, "hidden 20")
	tc.waitFor(t, "ok")
	if strings.Contains(tc.output(), "HP: 20") {
		t.Errorf("line not gagged:\n%s", tc.output())
	}
}
