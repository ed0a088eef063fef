package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type firing struct {
	name   string
	script string
}

type fireRecorder struct {
	mu    sync.Mutex
	fired []firing
}

func (f *fireRecorder) fire(name, script string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, firing{name: name, script: script})
}

func (f *fireRecorder) get() []firing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]firing(nil), f.fired...)
}

func newTestStore(t *testing.T) (*Store, *fireRecorder) {
	t.Helper()
	sched := NewScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Start(ctx)
	t.Cleanup(func() {
		sched.Close()
		cancel()
	})
	rec := &fireRecorder{}
	return NewStore(sched, rec.fire), rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEffectiveActive(t *testing.T) {
	s, _ := newTestStore(t)
	s.Load(Rules{
		Classes: []Class{
			{ID: "c1", Name: "combat", Active: true},
			{ID: "c2", Name: "travel", Active: false},
		},
	})
	tests := []struct {
		active bool
		class  string
		want   bool
	}{
		{true, "", true},
		{false, "", false},
		{true, "combat", true},
		{true, "c1", true},
		{false, "combat", false},
		{true, "travel", false},
		{true, "c2", false},
		{true, "missing", true},
	}
	for _, tt := range tests {
		if got := s.EffectiveActive(tt.active, tt.class); got != tt.want {
			t.Errorf("EffectiveActive(%v, %q) = %v, want %v", tt.active, tt.class, got, tt.want)
		}
	}
	if !s.ClassActive("combat") || s.ClassActive("travel") || s.ClassActive("missing") {
		t.Error("ClassActive reported wrong state")
	}
}

func TestSetActiveFirstMatch(t *testing.T) {
	s, _ := newTestStore(t)
	s.Load(Rules{
		Triggers: []Trigger{
			{ID: "t1", Name: "hp", Pattern: `HP: (\d+)`, Active: true},
			{ID: "t2", Name: "hp", Pattern: `HP low`, Active: true},
			{ID: "t3", Pattern: `^ready$`, Active: true},
		},
		Classes: []Class{{ID: "c1", Name: "combat", Active: true}},
	})

	for _, ref := range []string{"hp", "^ready$"} {
		changed, err := s.SetActive(KindTrigger, ref, false)
		if err != nil || !changed {
			t.Fatalf("SetActive(%q) = %v, %v", ref, changed, err)
		}
	}
	got := map[string]bool{}
	for _, tr := range s.Triggers() {
		got[tr.ID] = tr.Active
	}
	if diff := cmp.Diff(map[string]bool{"t1": false, "t2": true, "t3": false}, got); diff != "" {
		t.Errorf("active flags (-want +got):\n%s", diff)
	}

	if changed, _ := s.SetActive(KindClass, "combat", false); !changed || s.ClassActive("c1") {
		t.Error("class not disabled")
	}
	if changed, _ := s.SetActive(KindAlias, "nothing", true); changed {
		t.Error("SetActive reported a change for an unknown alias")
	}
}

type fakeOwner struct {
	store *Store
	calls []string
}

func (f *fakeOwner) SetRuleActive(kind Kind, ref string, active bool) (bool, error) {
	f.calls = append(f.calls, string(kind)+":"+ref)
	r := f.store.Rules()
	if r.SetActive(kind, ref, active) == "" {
		return false, nil
	}
	f.store.Load(r)
	return true, nil
}

func TestSetActiveThroughOwner(t *testing.T) {
	s, _ := newTestStore(t)
	s.Load(Rules{Aliases: []Alias{{ID: "a1", Pattern: `^k (.*)$`, Active: true}}})
	owner := &fakeOwner{store: s}
	s.SetOwner(owner)
	if changed, err := s.SetActive(KindAlias, "a1", false); err != nil || !changed {
		t.Fatalf("SetActive() = %v, %v", changed, err)
	}
	if diff := cmp.Diff([]string{"alias:a1"}, owner.calls); diff != "" {
		t.Errorf("owner calls (-want +got):\n%s", diff)
	}
	if s.Aliases()[0].Active {
		t.Error("alias still active")
	}
}

func TestLoadDoesNotAlias(t *testing.T) {
	s, _ := newTestStore(t)
	r := Rules{Triggers: []Trigger{{ID: "t1", Pattern: "x", Active: true}}}
	s.Load(r)
	r.Triggers[0].Active = false
	if !s.Triggers()[0].Active {
		t.Error("store shares the caller's slice")
	}
}

func TestTempTriggerTakenOnce(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.AddTempTrigger(`^ready$`, "send('go')", 0)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, tt := range s.TempTriggers() {
				if _, ok := tt.Match("ready"); ok && s.TakeTempTrigger(tt.ID) {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Errorf("temp trigger %s taken %d times, want 1", id, n)
	}
	if n := len(s.TempTriggers()); n != 0 {
		t.Errorf("%d temp triggers left", n)
	}
}

func TestTempTriggerTimeout(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddTempTrigger("never", "", 50*time.Millisecond)
	keep := s.AddTempTrigger("forever", "", 0)
	waitFor(t, func() bool { return len(s.TempTriggers()) == 1 })
	if got := s.TempTriggers()[0].ID; got != keep {
		t.Errorf("remaining temp trigger = %s, want %s", got, keep)
	}
}

func TestTempTriggerCreationOrder(t *testing.T) {
	s, _ := newTestStore(t)
	a := s.AddTempTrigger("a", "", 0)
	b := s.AddTempTrigger("b", "", 0)
	c := s.AddTempTrigger("c", "", 0)
	s.KillTrigger(b)
	got := []string{}
	for _, tt := range s.TempTriggers() {
		got = append(got, tt.ID)
	}
	if diff := cmp.Diff([]string{a, c}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestTempTimerFires(t *testing.T) {
	s, rec := newTestStore(t)
	id, err := s.AddTempTimer(20*time.Millisecond, "echo('tick')")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rec.get()) == 1 })
	if diff := cmp.Diff([]firing{{name: id, script: "echo('tick')"}}, rec.get(), cmp.AllowUnexported(firing{})); diff != "" {
		t.Errorf("fired (-want +got):\n%s", diff)
	}
	if n := len(s.TempTimers()); n != 0 {
		t.Errorf("%d temp timers left after firing", n)
	}
}

func TestKilledTempTimerNeverFires(t *testing.T) {
	s, rec := newTestStore(t)
	// Scaled down: a 5s timer killed at 2s.
	id, err := s.AddTempTimer(500*time.Millisecond, "echo('boom')")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if !s.KillTimer(id) {
		t.Fatal("KillTimer() = false")
	}
	time.Sleep(600 * time.Millisecond)
	if got := rec.get(); len(got) != 0 {
		t.Errorf("killed timer fired: %v", got)
	}
	if s.KillTimer(id) {
		t.Error("second KillTimer() = true")
	}
}

func TestTempAlias(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.AddTempAlias(`[bad`, ""); err == nil {
		t.Error("AddTempAlias() accepted an invalid regex")
	}
	id, err := s.AddTempAlias(`^k (\w+)$`, "send('kill ' .. matches[1])")
	if err != nil {
		t.Fatal(err)
	}
	m, ok := s.TempAliases()[0].Match("k rat")
	if !ok || m.Groups[1] != "rat" {
		t.Errorf("Match() = %v, %v", m, ok)
	}
	if !s.KillAlias(id) || len(s.TempAliases()) != 0 {
		t.Error("KillAlias() did not remove the alias")
	}
}

func TestPermanentTimerRepeats(t *testing.T) {
	s, rec := newTestStore(t)
	s.Load(Rules{
		Timers: []Timer{
			{ID: "t1", Name: "heartbeat", Interval: 0.02, Script: "send('')", Active: true},
			{ID: "t2", Name: "off", Interval: 0.02, Script: "send('x')", Active: false},
		},
	})
	waitFor(t, func() bool { return len(rec.get()) >= 3 })
	for _, f := range rec.get() {
		if f.name != "heartbeat" {
			t.Errorf("inactive timer fired: %v", f)
		}
	}
	s.Load(Rules{})
	time.Sleep(50 * time.Millisecond)
	before := len(rec.get())
	time.Sleep(100 * time.Millisecond)
	if after := len(rec.get()); after != before {
		t.Errorf("timer kept firing after unload: %d -> %d", before, after)
	}
}

func TestReloadKeepsTimerSchedule(t *testing.T) {
	s, rec := newTestStore(t)
	r := Rules{
		Timers: []Timer{{ID: "t1", Name: "tick", Interval: 0.1, Script: "send('')", Active: true}},
	}
	s.Load(r)
	due, ok := s.NextRun("t1")
	if !ok {
		t.Fatal("timer not scheduled")
	}

	// Reloading identical rules more often than the interval must not
	// push the timer back.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Load(r)
		time.Sleep(30 * time.Millisecond)
	}
	if n := len(rec.get()); n < 2 {
		t.Errorf("timer fired %d times in 500ms with a 100ms interval", n)
	}

	s.Load(r)
	if again, _ := s.NextRun("t1"); again.Before(due) {
		t.Errorf("NextRun() = %v, before first due time %v", again, due)
	}

	changed := r.Clone()
	changed.Timers[0].Interval = 60
	s.Load(changed)
	if next, ok := s.NextRun("t1"); !ok || time.Until(next) < 30*time.Second {
		t.Errorf("NextRun() after interval change = %v, %v; want rescheduled a minute out", next, ok)
	}
}
