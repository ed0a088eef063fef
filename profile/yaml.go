package profile

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/thalynlabs/mudscape"
	"gopkg.in/yaml.v3"
)

type document struct {
	Profiles []*Profile `yaml:"profiles"`
}

// LoadYAML reads a profiles file of the form
//
//	profiles:
//	  - name: aardwolf
//	    host: aardmud.org
//	    port: 4000
//	    triggers: [...]
func LoadYAML(path string) ([]*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	return ParseYAML(b)
}

func ParseYAML(b []byte) ([]*Profile, error) {
	doc := &document{}
	if err := yaml.Unmarshal(b, doc); err != nil {
		return nil, mudscape.WithStack(err)
	}
	for _, p := range doc.Profiles {
		if err := p.Validate(); err != nil {
			return nil, mudscape.WithStack(err)
		}
	}
	return doc.Profiles, nil
}

// WatchDebounce is how long Watch waits for writes to settle.
var WatchDebounce = 200 * time.Millisecond

// Watch calls f with the parsed profiles whenever the file at path changes,
// until ctx is done. Parse errors are logged and skipped. The directory is
// watched rather than the file so editors that replace the file are seen.
func Watch(ctx context.Context, path string, f func([]*Profile)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return mudscape.WithStack(err)
	}
	defer watcher.Close()
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return mudscape.WithStack(err)
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(WatchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watching %q: %v", path, err)
		case <-debounce.C:
			profiles, err := LoadYAML(path)
			if err != nil {
				log.Printf("reloading %q: %v", path, err)
				continue
			}
			f(profiles)
		}
	}
}
