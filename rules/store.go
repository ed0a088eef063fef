package rules

import (
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
)

// Owner persists changes to permanent rules. After a successful update the
// owner is expected to call Store.Load with the new rule set.
type Owner interface {
	SetRuleActive(kind Kind, ref string, active bool) (bool, error)
}

// FireFunc is called from the scheduler goroutine when a timer is due.
type FireFunc func(name, script string)

// Store is the rule set of one session. Permanent rules are replaced
// wholesale by Load and never edited in place; temporary rules are added
// and removed by scripts. It is safe for concurrent use.
type Store struct {
	sched *Scheduler
	fire  FireFunc
	owner Owner

	mu           sync.RWMutex
	permanent    Rules
	tempTriggers []*TempTrigger
	tempAliases  []*TempAlias
	tempTimers   map[string]*TempTimer
}

func NewStore(sched *Scheduler, fire FireFunc) *Store {
	return &Store{
		sched:      sched,
		fire:       fire,
		tempTimers: map[string]*TempTimer{},
	}
}

func (s *Store) SetOwner(owner Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = owner
}

func permanentTimerID(id string) string {
	return "timer:" + id
}

// Load replaces the permanent rules. Timers keep their due time unless
// they are new or their interval changed; activity and class are checked
// when they fire.
func (s *Store) Load(r Rules) {
	s.mu.Lock()
	old := s.permanent
	s.permanent = r.Clone()
	s.mu.Unlock()

	periods := map[string]time.Duration{}
	for _, t := range old.Timers {
		periods[t.ID] = t.Period()
	}
	kept := map[string]bool{}
	for _, t := range r.Timers {
		period, found := periods[t.ID]
		if _, due := s.sched.Due(permanentTimerID(t.ID)); found && due && period == t.Period() {
			kept[t.ID] = true
			continue
		}
		s.scheduleTimer(t.ID)
		kept[t.ID] = true
	}
	for id := range periods {
		if !kept[id] {
			s.sched.Cancel(permanentTimerID(id))
		}
	}
}

// scheduleTimer arms the next run of the permanent timer id. The timer is
// looked up again when it fires so edits and class changes take effect.
func (s *Store) scheduleTimer(id string) {
	s.mu.RLock()
	idx := slices.IndexFunc(s.permanent.Timers, func(t Timer) bool { return t.ID == id })
	var t Timer
	if idx >= 0 {
		t = s.permanent.Timers[idx]
	}
	s.mu.RUnlock()
	if idx < 0 || t.Period() <= 0 {
		return
	}
	if err := s.sched.Schedule(permanentTimerID(id), t.Period(), func() {
		s.mu.RLock()
		idx := slices.IndexFunc(s.permanent.Timers, func(t Timer) bool { return t.ID == id })
		var current Timer
		if idx >= 0 {
			current = s.permanent.Timers[idx]
		}
		active := idx >= 0 && s.effective(current.Active, current.Class)
		s.mu.RUnlock()
		if idx < 0 {
			return
		}
		if active && s.fire != nil {
			name := current.Name
			if name == "" {
				name = current.ID
			}
			s.fire(name, current.Script)
		}
		s.scheduleTimer(id)
	}); err != nil {
		log.Printf("scheduling timer %s: %v", id, err)
	}
}

// NextRun returns when the permanent timer id fires next.
func (s *Store) NextRun(id string) (time.Time, bool) {
	return s.sched.Due(permanentTimerID(id))
}

func (s *Store) Rules() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permanent.Clone()
}

func (s *Store) Triggers() []Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.permanent.Triggers)
}

func (s *Store) Aliases() []Alias {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.permanent.Aliases)
}

func (s *Store) Timers() []Timer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.permanent.Timers)
}

func (s *Store) Classes() []Class {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.permanent.Classes)
}

// effective must be called with mu held.
func (s *Store) effective(active bool, class string) bool {
	if !active {
		return false
	}
	if class == "" {
		return true
	}
	for _, c := range s.permanent.Classes {
		if c.ID == class || c.Name == class {
			return c.Active
		}
	}
	// Unknown classes don't gate.
	return true
}

// EffectiveActive reports whether a rule with the given flag and class is
// active: its own flag is set and its class, if any, is active.
func (s *Store) EffectiveActive(active bool, class string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effective(active, class)
}

// ClassActive reports whether the class with id or name ref is active.
func (s *Store) ClassActive(ref string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.permanent.Classes {
		if c.ID == ref || c.Name == ref {
			return c.Active
		}
	}
	return false
}

// SetActive enables or disables the first rule of kind whose id, name or
// pattern equals ref. With an owner the change is persisted through it;
// otherwise the in-memory rule set is updated.
func (s *Store) SetActive(kind Kind, ref string, active bool) (bool, error) {
	s.mu.RLock()
	owner := s.owner
	s.mu.RUnlock()
	if owner != nil {
		return owner.SetRuleActive(kind, ref, active)
	}
	s.mu.Lock()
	r := s.permanent.Clone()
	id := r.SetActive(kind, ref, active)
	s.mu.Unlock()
	if id == "" {
		return false, nil
	}
	s.Load(r)
	return true, nil
}

func newTempID(kind string) string {
	return fmt.Sprintf("temp-%s-%d", kind, mudscape.NextID())
}

// AddTempTrigger adds a one-shot trigger. With a positive timeout it is
// removed after the timeout even if it never matched.
func (s *Store) AddTempTrigger(pattern, script string, timeout time.Duration) string {
	t := &TempTrigger{
		ID:      newTempID("trigger"),
		Pattern: pattern,
		Script:  script,
		matcher: CompileLoose(pattern),
	}
	if timeout > 0 {
		t.Expires = time.Now().Add(timeout)
	}
	s.mu.Lock()
	s.tempTriggers = append(s.tempTriggers, t)
	s.mu.Unlock()
	if timeout > 0 {
		if err := s.sched.Schedule(t.ID, timeout, func() { s.KillTrigger(t.ID) }); err != nil {
			log.Printf("scheduling expiry of %s: %v", t.ID, err)
		}
	}
	return t.ID
}

// AddTempAlias adds an alias that stays until killed. The pattern must be a
// valid regex.
func (s *Store) AddTempAlias(pattern, script string) (string, error) {
	m, err := Compile(pattern, Regex, false)
	if err != nil {
		return "", errors.Wrapf(err, "temp alias pattern %q", pattern)
	}
	a := &TempAlias{
		ID:      newTempID("alias"),
		Pattern: pattern,
		Script:  script,
		matcher: m,
	}
	s.mu.Lock()
	s.tempAliases = append(s.tempAliases, a)
	s.mu.Unlock()
	return a.ID, nil
}

// AddTempTimer runs script once after delay.
func (s *Store) AddTempTimer(delay time.Duration, script string) (string, error) {
	t := &TempTimer{
		ID:     newTempID("timer"),
		Script: script,
		Due:    time.Now().Add(delay),
	}
	s.mu.Lock()
	s.tempTimers[t.ID] = t
	s.mu.Unlock()
	if err := s.sched.Schedule(t.ID, delay, func() {
		if _, found := s.takeTempTimer(t.ID); found && s.fire != nil {
			s.fire(t.ID, t.Script)
		}
	}); err != nil {
		s.takeTempTimer(t.ID)
		return "", err
	}
	return t.ID, nil
}

func (s *Store) takeTempTimer(id string) (*TempTimer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, found := s.tempTimers[id]
	delete(s.tempTimers, id)
	return t, found
}

// TakeTempTrigger removes the temp trigger id and reports whether it was
// still present. Exactly one caller wins for each trigger.
func (s *Store) TakeTempTrigger(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.tempTriggers)
	s.tempTriggers = slices.DeleteFunc(s.tempTriggers, func(t *TempTrigger) bool { return t.ID == id })
	return len(s.tempTriggers) < before
}

func (s *Store) KillTrigger(id string) bool {
	if !s.TakeTempTrigger(id) {
		return false
	}
	s.sched.Cancel(id)
	return true
}

func (s *Store) KillAlias(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.tempAliases)
	s.tempAliases = slices.DeleteFunc(s.tempAliases, func(a *TempAlias) bool { return a.ID == id })
	return len(s.tempAliases) < before
}

func (s *Store) KillTimer(id string) bool {
	_, found := s.takeTempTimer(id)
	s.sched.Cancel(id)
	return found
}

// TempTriggers returns the temp triggers in creation order.
func (s *Store) TempTriggers() []TempTrigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]TempTrigger, len(s.tempTriggers))
	for i, t := range s.tempTriggers {
		result[i] = *t
	}
	return result
}

// TempAliases returns the temp aliases in creation order.
func (s *Store) TempAliases() []TempAlias {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]TempAlias, len(s.tempAliases))
	for i, a := range s.tempAliases {
		result[i] = *a
	}
	return result
}

// TempTimers returns the pending temp timers ordered by due time.
func (s *Store) TempTimers() []TempTimer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]TempTimer, 0, len(s.tempTimers))
	for _, t := range s.tempTimers {
		result = append(result, *t)
	}
	slices.SortFunc(result, func(a, b TempTimer) int { return a.Due.Compare(b.Due) })
	return result
}

// Match runs the temp trigger's matcher.
func (t TempTrigger) Match(text string) (*Match, bool) {
	if t.matcher == nil {
		return CompileLoose(t.Pattern).Match(text)
	}
	return t.matcher.Match(text)
}

func (a TempAlias) Match(text string) (*Match, bool) {
	if a.matcher == nil {
		m, err := Compile(a.Pattern, Regex, false)
		if err != nil {
			return nil, false
		}
		return m.Match(text)
	}
	return a.matcher.Match(text)
}
