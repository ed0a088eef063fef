package relay

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/thalynlabs/mudscape/telnet"
	"github.com/thalynlabs/mudscape/transport"
)

type fakeResolver struct {
	addrs map[string][]net.IP
	calls atomic.Int32
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	f.calls.Add(1)
	ips, found := f.addrs[host]
	if !found {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	result := make([]net.IPAddr, len(ips))
	for i, ip := range ips {
		result[i] = net.IPAddr{IP: ip}
	}
	return result, nil
}

// fakeDialer records the requested address and connects to a local listener
// instead.
type fakeDialer struct {
	mu     sync.Mutex
	target string
	dialed []string
}

func (f *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dialed = append(f.dialed, address)
	f.mu.Unlock()
	var d net.Dialer
	return d.DialContext(ctx, network, f.target)
}

func (f *fakeDialer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}

type recorder struct {
	events chan transport.Inbound
}

func newRecorder() *recorder {
	return &recorder{events: make(chan transport.Inbound, 64)}
}

func (r *recorder) sink(ev transport.Inbound) {
	r.events <- ev
}

func (r *recorder) next(t *testing.T) transport.Inbound {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func setup(t *testing.T, resolver *fakeResolver) (*Supervisor, *fakeDialer, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	dialer := &fakeDialer{target: ln.Addr().String()}
	sup := New(DefaultConfig(), WithResolver(resolver), WithDialer(dialer))
	return sup, dialer, ln
}

func TestValidateTarget(t *testing.T) {
	long := bytes.Repeat([]byte("a"), 254)
	tests := []struct {
		name    string
		host    string
		port    int
		wantErr bool
	}{
		{"hostname", "mud.example.com", 4000, false},
		{"hyphenated", "my-mud.example.org", 23, false},
		{"ipv4 literal", "203.0.113.10", 4000, false},
		{"ipv6 literal", "2001:db8::1", 4000, false},
		{"max port", "example.com", 65535, false},

		{"empty", "", 4000, true},
		{"too long", string(long), 4000, true},
		{"space", "mud example", 4000, true},
		{"underscore", "mud_host", 4000, true},
		{"leading hyphen", "-mud.example.com", 4000, true},
		{"zero port", "example.com", 0, true},
		{"port too large", "example.com", 65536, true},
		{"negative port", "example.com", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTarget(tt.host, tt.port)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateTarget(%q, %d) error = %v, wantErr %v", tt.host, tt.port, err, tt.wantErr)
			}
			if err != nil {
				if _, ok := err.(ValidationError); !ok {
					t.Errorf("validateTarget(%q, %d) returned %T, want ValidationError", tt.host, tt.port, err)
				}
			}
		})
	}
}

func TestForbidden(t *testing.T) {
	for _, addr := range []string{
		"127.0.0.1", "10.0.0.7", "172.16.4.4", "192.168.1.5", "169.254.1.1",
		"0.0.0.0", "224.0.0.1", "100.64.0.1", "100.127.255.254", "::1", "fe80::1", "fd00::1",
	} {
		if !forbidden(net.ParseIP(addr)) {
			t.Errorf("forbidden(%s) = false, want true", addr)
		}
	}
	for _, addr := range []string{"203.0.113.10", "8.8.8.8", "100.128.0.1", "2001:4860:4860::8888"} {
		if forbidden(net.ParseIP(addr)) {
			t.Errorf("forbidden(%s) = true, want false", addr)
		}
	}
}

func TestConnectRejectsPrivateLiteral(t *testing.T) {
	sup, dialer, _ := setup(t, &fakeResolver{})
	rec := newRecorder()
	conn := sup.NewConnection(rec.sink)

	err := conn.Connect(context.Background(), "192.168.1.5", 23, "", false)
	if _, ok := err.(PolicyError); !ok {
		t.Fatalf("Connect() = %v, want PolicyError", err)
	}
	if ev, ok := rec.next(t).(transport.Error); !ok || ev.Message == "" {
		t.Errorf("got %#v, want error event", ev)
	}
	if calls := dialer.calls(); len(calls) != 0 {
		t.Errorf("dialed %v, want no dial", calls)
	}
	if conn.State() != Idle {
		t.Errorf("state = %v, want idle", conn.State())
	}
}

func TestConnectRejectsPrivateResolution(t *testing.T) {
	resolver := &fakeResolver{addrs: map[string][]net.IP{
		"evil.example.com": {net.ParseIP("203.0.113.10"), net.ParseIP("10.0.0.7")},
	}}
	sup, dialer, _ := setup(t, resolver)
	rec := newRecorder()
	conn := sup.NewConnection(rec.sink)

	if err := conn.Connect(context.Background(), "evil.example.com", 4000, "", false); err == nil {
		t.Fatal("Connect() succeeded, want policy rejection")
	}
	if _, ok := rec.next(t).(transport.Error); !ok {
		t.Error("want error event")
	}
	if calls := dialer.calls(); len(calls) != 0 {
		t.Errorf("dialed %v, want no dial", calls)
	}
}

func TestConnectRejectsBadSyntax(t *testing.T) {
	resolver := &fakeResolver{}
	sup, dialer, _ := setup(t, resolver)
	rec := newRecorder()
	conn := sup.NewConnection(rec.sink)

	if err := conn.Connect(context.Background(), "bad host!", 4000, "", false); err == nil {
		t.Fatal("Connect() succeeded")
	}
	if err := conn.Connect(context.Background(), "example.com", 70000, "", false); err == nil {
		t.Fatal("Connect() succeeded")
	}
	if err := conn.Connect(context.Background(), "example.com", 4000, "klingon-8", false); err == nil {
		t.Fatal("Connect() succeeded with unknown encoding")
	}
	if n := resolver.calls.Load(); n != 0 {
		t.Errorf("resolver called %d times, want 0", n)
	}
	if calls := dialer.calls(); len(calls) != 0 {
		t.Errorf("dialed %v, want no dial", calls)
	}
}

func TestAllowPrivate(t *testing.T) {
	resolver := &fakeResolver{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	config := DefaultConfig()
	config.AllowPrivate = true
	sup := New(config, WithResolver(resolver))
	rec := newRecorder()
	conn := sup.NewConnection(rec.sink)
	p := ln.Addr().(*net.TCPAddr).Port
	if err := conn.Connect(context.Background(), "127.0.0.1", p, "", false); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer conn.Disconnect()
	if diff := cmp.Diff(transport.Connected{Host: "127.0.0.1", Port: p}, rec.next(t)); diff != "" {
		t.Errorf("connected event (-want +got):\n%s", diff)
	}
}

func TestSession(t *testing.T) {
	resolver := &fakeResolver{addrs: map[string][]net.IP{
		"mud.example.com": {net.ParseIP("203.0.113.10")},
	}}
	sup, dialer, ln := setup(t, resolver)
	rec := newRecorder()
	conn := sup.NewConnection(rec.sink)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	if err := conn.Connect(context.Background(), "mud.example.com", 4000, "", true); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if diff := cmp.Diff([]string{"203.0.113.10:4000"}, dialer.calls()); diff != "" {
		t.Errorf("dialed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(transport.Connected{Host: "mud.example.com", Port: 4000}, rec.next(t)); diff != "" {
		t.Errorf("connected event (-want +got):\n%s", diff)
	}

	server := <-accepted
	defer server.Close()
	reader := bufio.NewReader(server)
	readN := func(n int) []byte {
		t.Helper()
		server.SetReadDeadline(time.Now().Add(5 * time.Second))
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			t.Fatalf("reading from client: %v", err)
		}
		return b
	}

	if diff := cmp.Diff(telnet.Command(telnet.WILL, telnet.OptGMCP), readN(3)); diff != "" {
		t.Errorf("offer (-want +got):\n%s", diff)
	}

	var greeting []byte
	greeting = append(greeting, "Welcome"...)
	greeting = append(greeting, telnet.Command(telnet.WILL, telnet.OptGMCP)...)
	greeting = append(greeting, "!\r\n"...)
	server.Write(greeting)
	if diff := cmp.Diff(telnet.Command(telnet.DO, telnet.OptGMCP), readN(3)); diff != "" {
		t.Errorf("reply (-want +got):\n%s", diff)
	}
	var text string
	for text != "Welcome!\r\n" {
		ev, ok := rec.next(t).(transport.Data)
		if !ok {
			t.Fatalf("got %#v, want data", ev)
		}
		text += ev.Content
	}
	if !conn.GMCPNegotiated() {
		t.Error("GMCP not negotiated")
	}

	if err := conn.Send("look"); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	// Hello and supports frames precede the command.
	line, err := reader.ReadString('\n')
	for err == nil && !bytes.HasSuffix([]byte(line), []byte("look\r\n")) {
		line, err = reader.ReadString('\n')
	}
	if err != nil {
		t.Fatalf("reading command: %v", err)
	}

	server.Close()
	var last transport.Inbound
	for {
		last = rec.next(t)
		if _, ok := last.(transport.Disconnected); ok {
			break
		}
	}
	if conn.State() != Idle {
		t.Errorf("state = %v, want idle", conn.State())
	}
}

func TestSendWhenIdle(t *testing.T) {
	sup, _, _ := setup(t, &fakeResolver{})
	conn := sup.NewConnection(nil)
	if err := conn.Send("look"); err != nil {
		t.Errorf("Send() = %v, want nil", err)
	}
	if err := conn.SendGMCP("Core.Ping", nil); err != nil {
		t.Errorf("SendGMCP() = %v, want nil", err)
	}
	conn.Disconnect()
}

func TestDNSCache(t *testing.T) {
	resolver := &fakeResolver{addrs: map[string][]net.IP{
		"mud.example.com": {net.ParseIP("203.0.113.10")},
	}}
	v := NewValidator(resolver, time.Minute, false)
	for range 3 {
		ip, err := v.Resolve(context.Background(), "MUD.example.com")
		if err != nil {
			t.Fatal(err)
		}
		if !ip.Equal(net.ParseIP("203.0.113.10")) {
			t.Errorf("Resolve() = %v", ip)
		}
	}
	if n := resolver.calls.Load(); n != 1 {
		t.Errorf("resolver called %d times, want 1", n)
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(2)
	r1, err := l.Acquire("198.51.100.1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire("198.51.100.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire("198.51.100.1"); err == nil {
		t.Fatal("third Acquire() succeeded, want ErrTooManyConnections")
	}
	if _, err := l.Acquire("198.51.100.2"); err != nil {
		t.Errorf("other source rejected: %v", err)
	}
	r1()
	r1()
	if got := l.Active("198.51.100.1"); got != 1 {
		t.Errorf("Active() = %d after double release, want 1", got)
	}
	if _, err := l.Acquire("198.51.100.1"); err != nil {
		t.Errorf("Acquire() after release = %v", err)
	}
}

func TestSource(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 52000}
	if got := Source(addr); got != "198.51.100.7" {
		t.Errorf("Source() = %q", got)
	}
}

func TestCodecCarriesSplitRune(t *testing.T) {
	c, err := newCodec("")
	if err != nil {
		t.Fatal(err)
	}
	b := []byte("héllo wörld")
	var got string
	for i := range b {
		got += c.decode(b[i : i+1])
	}
	if got != "héllo wörld" {
		t.Errorf("decoded %q", got)
	}
}

func TestCodecLatin1(t *testing.T) {
	c, err := newCodec("iso-8859-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.decode([]byte{'c', 'a', 'f', 0xe9}); got != "café" {
		t.Errorf("decode() = %q", got)
	}
	out, err := c.encode("café")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{'c', 'a', 'f', 0xe9}, out); diff != "" {
		t.Errorf("encode() (-want +got):\n%s", diff)
	}
}
