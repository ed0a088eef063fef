// Package sound parses MUD Sound Protocol directives and plays sounds for a
// session.
package sound

import (
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/thalynlabs/mudscape/lang"
)

const (
	DefaultVolume   = 100
	DefaultLoops    = 1
	DefaultPriority = 50
	// Forever is the loop count meaning "until stopped".
	Forever = -1
)

var mspRE = regexp.MustCompile(`!!(SOUND|MUSIC)\(([^)]*)\)`)

type Kind string

const (
	Sound Kind = "sound"
	Music Kind = "music"
)

// Directive is one !!SOUND(...) or !!MUSIC(...) instruction.
type Directive struct {
	Kind     Kind
	File     string
	Volume   int
	Loops    int
	Priority int
	Type     string
	URL      string
	// Continue keeps already playing music running when the same file is
	// requested again.
	Continue bool
	// Off stops all sounds of the directive's kind.
	Off bool
}

// ParseMSP removes every sound directive from text and returns the cleaned
// text along with the directives in order of appearance.
func ParseMSP(text string) (string, []Directive) {
	if !strings.Contains(text, "!!") {
		return text, nil
	}
	var directives []Directive
	clean := mspRE.ReplaceAllStringFunc(text, func(match string) string {
		parts := mspRE.FindStringSubmatch(match)
		directives = append(directives, parseDirective(Kind(strings.ToLower(parts[1])), parts[2]))
		return ""
	})
	return clean, directives
}

func parseDirective(kind Kind, body string) Directive {
	d := Directive{
		Kind:     kind,
		Volume:   DefaultVolume,
		Loops:    DefaultLoops,
		Priority: DefaultPriority,
		Continue: true,
	}
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return d
	}
	d.File = fields[0]
	if strings.EqualFold(d.File, "off") {
		d.Off = true
		d.File = ""
	}
	for _, field := range fields[1:] {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		n, numErr := strconv.Atoi(value)
		switch strings.ToUpper(key) {
		case "V":
			if numErr == nil {
				d.Volume = min(max(n, 0), 100)
			}
		case "L":
			if numErr == nil {
				d.Loops = n
			}
		case "P":
			if numErr == nil {
				d.Priority = min(max(n, 0), 100)
			}
		case "C":
			d.Continue = value != "0"
		case "T":
			d.Type = value
		case "U":
			d.URL = value
			if d.Off {
				// !!SOUND(Off U=...) only sets the default URL.
				d.Off = false
			}
		}
	}
	return d
}

// Player is the audio backend of a session.
type Player interface {
	Play(file string, volume, loops int)
	// Stop stops file, or everything if file is empty.
	Stop(file string)
	Loop(file string, volume int)
	SetPosition(file string, seconds float64)
}

// Apply carries out d on p.
func Apply(p Player, d Directive) {
	switch {
	case d.Off:
		p.Stop("")
	case d.File == "":
	case d.Loops == Forever:
		p.Loop(resolve(d), d.Volume)
	default:
		p.Play(resolve(d), d.Volume, max(d.Loops, 1))
	}
}

func resolve(d Directive) string {
	if d.URL == "" || strings.Contains(d.File, "://") {
		return d.File
	}
	return strings.TrimSuffix(d.URL, "/") + "/" + d.File
}

type playing struct {
	volume int
	loops  int
}

// TerminalPlayer has no audio device. It tracks what would be playing and
// writes a short notice for each change to W.
type TerminalPlayer struct {
	W io.Writer

	mu      sync.Mutex
	playing map[string]playing
}

func NewTerminalPlayer(w io.Writer) *TerminalPlayer {
	return &TerminalPlayer{
		W:       w,
		playing: map[string]playing{},
	}
}

func (t *TerminalPlayer) notice(format string, args ...any) {
	if t.W != nil {
		fmt.Fprintf(t.W, "[sound] "+format+"\r\n", args...)
	}
}

func (t *TerminalPlayer) Play(file string, volume, loops int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing[file] = playing{volume: volume, loops: loops}
	t.notice("%s (volume %d, %s)", file, volume, lang.Count(loops, "play"))
}

func (t *TerminalPlayer) Loop(file string, volume int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing[file] = playing{volume: volume, loops: Forever}
	t.notice("%s looping (volume %d)", file, volume)
}

func (t *TerminalPlayer) Stop(file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if file == "" {
		if len(t.playing) > 0 {
			t.notice("stopped %s", lang.Count(len(t.playing), "sound"))
		}
		clear(t.playing)
		return
	}
	if _, found := t.playing[file]; found {
		delete(t.playing, file)
		t.notice("stopped %s", file)
	}
}

func (t *TerminalPlayer) SetPosition(file string, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.playing[file]; found {
		t.notice("%s at %.1fs", file, seconds)
	}
}

// Playing returns the files currently playing, sorted.
func (t *TerminalPlayer) Playing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]string, 0, len(t.playing))
	for file := range t.playing {
		result = append(result, file)
	}
	slices.Sort(result)
	return result
}
