package profile

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/estraier/tkrzw-go"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
)

// Store keeps profiles as JSON documents in a tkrzw hash database, keyed
// by name.
type Store struct {
	dbm   *tkrzw.DBM
	mutex sync.RWMutex

	listenMu     sync.Mutex
	listeners    map[int]func(*Profile)
	nextListener int
}

// Open opens or creates the database at path, with a ".tkh" suffix added.
func Open(path string) (*Store, error) {
	dbm := tkrzw.NewDBM()
	stat := dbm.Open(fmt.Sprintf("%s.tkh", path), true, map[string]string{
		"update_mode":      "UPDATE_APPENDING",
		"record_comp_mode": "RECORD_COMP_NONE",
		"restore_mode":     "RESTORE_SYNC|RESTORE_NO_SHORTCUTS|RESTORE_WITH_HARDSYNC",
	})
	if !stat.IsOK() {
		return nil, mudscape.WithStack(stat)
	}
	return &Store{dbm: dbm}, nil
}

func (s *Store) getNOLOCK(name string) (*Profile, error) {
	b, stat := s.dbm.Get(name)
	if stat.GetCode() == tkrzw.StatusNotFoundError {
		return nil, mudscape.WithStack(os.ErrNotExist)
	} else if !stat.IsOK() {
		return nil, mudscape.WithStack(stat)
	}
	p := &Profile{}
	if err := json.Unmarshal(b, p); err != nil {
		return nil, mudscape.WithStack(err)
	}
	return p, nil
}

func (s *Store) setNOLOCK(p *Profile) error {
	if err := p.Validate(); err != nil {
		return mudscape.WithStack(err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return mudscape.WithStack(err)
	}
	if stat := s.dbm.Set(p.Name, b, true); !stat.IsOK() {
		return mudscape.WithStack(stat)
	}
	return nil
}

// Get returns the named profile, or an error wrapping os.ErrNotExist.
func (s *Store) Get(name string) (*Profile, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.getNOLOCK(name)
}

func (s *Store) Set(p *Profile) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.setNOLOCK(p)
}

// Update applies f to the named profile, or to a default profile if there
// is none, and stores the result.
func (s *Store) Update(name string, f func(*Profile) error) (*Profile, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p, err := s.getNOLOCK(name)
	if errors.Is(err, os.ErrNotExist) {
		p = Default(name)
	} else if err != nil {
		return nil, err
	}
	if err := f(p); err != nil {
		return nil, mudscape.WithStack(err)
	}
	p.Name = name
	if err := s.setNOLOCK(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Import stores profiles, keeping the saved variables of any profile that
// arrives without its own.
func (s *Store) Import(profiles []*Profile) error {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		stored, err := s.Update(p.Name, func(existing *Profile) error {
			variables := existing.Variables
			*existing = *p.Clone()
			if existing.Variables == nil {
				existing.Variables = variables
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.listenMu.Lock()
		listeners := make([]func(*Profile), 0, len(s.listeners))
		for _, f := range s.listeners {
			listeners = append(listeners, f)
		}
		s.listenMu.Unlock()
		for _, f := range listeners {
			f(stored.Clone())
		}
	}
	return nil
}

// listen calls f with every imported profile until the returned function
// is called.
func (s *Store) listen(f func(*Profile)) func() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listeners == nil {
		s.listeners = map[int]func(*Profile){}
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = f
	return func() {
		s.listenMu.Lock()
		defer s.listenMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) Del(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	stat := s.dbm.Remove(name)
	if stat.GetCode() == tkrzw.StatusNotFoundError {
		return mudscape.WithStack(os.ErrNotExist)
	} else if !stat.IsOK() {
		return mudscape.WithStack(stat)
	}
	return nil
}

// Names returns the stored profile names, sorted.
func (s *Store) Names() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	iter := s.dbm.MakeIterator()
	defer iter.Destruct()
	result := []string{}
	for stat := iter.First(); stat.IsOK(); stat = iter.Next() {
		key, stat := iter.GetKey()
		if stat.GetCode() == tkrzw.StatusNotFoundError {
			break
		} else if !stat.IsOK() {
			return nil, mudscape.WithStack(stat)
		}
		result = append(result, string(key))
	}
	slices.Sort(result)
	return result, nil
}

func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if stat := s.dbm.Close(); !stat.IsOK() {
		return mudscape.WithStack(stat)
	}
	return nil
}
