package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/taskforge/engine/pkg/models"
)

// PolicyStore holds the live, reloadable PolicyProfile and AdapterDescriptor
// sets. A reload only changes what later reads of the store return. No
// Scheduler reads from a PolicyStore: scheduler.New takes a fixed profile
// map, so a reload does not reach a Scheduler that is already built.
type PolicyStore struct {
	profilesDir string
	adaptersDir string

	mu        sync.RWMutex
	profiles  map[string]models.PolicyProfile
	adapters  []models.AdapterDescriptor

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPolicyStore loads profilesDir/adaptersDir once and starts watching both
// for changes. Either directory may be empty, in which case that half of
// the store falls back to its hardcoded defaults and is never reloaded.
func NewPolicyStore(profilesDir, adaptersDir string) (*PolicyStore, error) {
	s := &PolicyStore{profilesDir: profilesDir, adaptersDir: adaptersDir, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without a watcher; the store still serves its
		// initially loaded snapshot, just never refreshes it.
		return s, nil
	}
	s.watcher = watcher

	for _, dir := range []string{profilesDir, adaptersDir} {
		if dir == "" {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			s.watcher = nil
			return s, nil
		}
	}

	go s.watchLoop()
	return s, nil
}

func (s *PolicyStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				_ = s.reload()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *PolicyStore) reload() error {
	profiles, err := LoadPolicyProfiles(s.profilesDir)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		profiles = DefaultPolicyProfiles()
	}

	adapters, err := LoadAdapterDescriptors(s.adaptersDir)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		adapters = DefaultAdapterDescriptors()
	}

	s.mu.Lock()
	s.profiles = profiles
	s.adapters = adapters
	s.mu.Unlock()
	return nil
}

// Profiles returns a snapshot of the currently loaded PolicyProfiles, keyed
// by name.
func (s *PolicyStore) Profiles() map[string]models.PolicyProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.PolicyProfile, len(s.profiles))
	for k, v := range s.profiles {
		out[k] = v
	}
	return out
}

// Adapters returns a snapshot of the currently loaded AdapterDescriptors.
func (s *PolicyStore) Adapters() []models.AdapterDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AdapterDescriptor, len(s.adapters))
	copy(out, s.adapters)
	return out
}

// Close stops the background watcher, if one was started.
func (s *PolicyStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
