package profile

import (
	"errors"
	"os"
	"sync"

	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/rules"
)

// Manager owns the active profile of one session. Every change is written
// to the Store before subscribers see it.
type Manager struct {
	store    *Store
	unlisten func()

	mu          sync.Mutex
	current     *Profile
	subscribers []func(*Profile)
}

// NewManager loads the named profile, creating it if needed.
func NewManager(store *Store, name string) (*Manager, error) {
	m := &Manager{store: store}
	p, err := m.load(name)
	if err != nil {
		return nil, err
	}
	m.current = p
	m.unlisten = store.listen(m.imported)
	return m, nil
}

// imported replaces the current profile when an import rewrote it.
func (m *Manager) imported(p *Profile) {
	m.mu.Lock()
	if p.Name != m.current.Name {
		m.mu.Unlock()
		return
	}
	m.current = p.Clone()
	m.mu.Unlock()
	m.notify(p)
}

// Close stops following imports.
func (m *Manager) Close() {
	m.unlisten()
}

func (m *Manager) load(name string) (*Profile, error) {
	p, err := m.store.Get(name)
	if errors.Is(err, os.ErrNotExist) {
		p = Default(name)
		if err := m.store.Set(p); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return p, nil
}

// Subscribe registers f to be called with a copy of the profile after
// every change.
func (m *Manager) Subscribe(f func(*Profile)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, f)
}

func (m *Manager) notify(p *Profile) {
	m.mu.Lock()
	subscribers := append([]func(*Profile){}, m.subscribers...)
	m.mu.Unlock()
	for _, f := range subscribers {
		f(p.Clone())
	}
}

// Profile returns a copy of the active profile.
func (m *Manager) Profile() *Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Name
}

func (m *Manager) Rules() rules.Rules {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Rules.Clone()
}

// Update applies f to a copy of the active profile. If f reports a change
// the copy is stored and becomes active.
func (m *Manager) Update(f func(*Profile) (bool, error)) (bool, error) {
	m.mu.Lock()
	p := m.current.Clone()
	changed, err := f(p)
	if err != nil || !changed {
		m.mu.Unlock()
		return false, err
	}
	p.Name = m.current.Name
	if err := m.store.Set(p); err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.current = p
	m.mu.Unlock()
	m.notify(p)
	return true, nil
}

// SetRuleActive flips the active flag of the first rule of kind whose id,
// name or pattern is ref.
func (m *Manager) SetRuleActive(kind rules.Kind, ref string, active bool) (bool, error) {
	return m.Update(func(p *Profile) (bool, error) {
		return p.Rules.SetActive(kind, ref, active) != "", nil
	})
}

// SetRules replaces the permanent rules.
func (m *Manager) SetRules(r rules.Rules) error {
	_, err := m.Update(func(p *Profile) (bool, error) {
		p.Rules = r.Clone()
		return true, nil
	})
	return err
}

func (m *Manager) Variable(name string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Variables[name]
}

// SetVariable stores value under name. A nil value deletes the variable.
func (m *Manager) SetVariable(name string, value any) error {
	_, err := m.Update(func(p *Profile) (bool, error) {
		if value == nil {
			if _, found := p.Variables[name]; !found {
				return false, nil
			}
			delete(p.Variables, name)
			return true, nil
		}
		if p.Variables == nil {
			p.Variables = map[string]any{}
		}
		p.Variables[name] = value
		return true, nil
	})
	return err
}

// Switch makes the named profile active, creating it if needed.
func (m *Manager) Switch(name string) (*Profile, error) {
	p, err := m.load(name)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
	m.notify(p)
	return p.Clone(), nil
}
