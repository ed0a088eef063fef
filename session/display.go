package session

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

type gauge struct {
	value float64
	max   float64
	color string
}

func (s *Session) Line(text string) {
	fmt.Fprintln(s.term, text)
}

func (s *Session) Echo(text string) {
	fmt.Fprintln(s.term, s.colored("cyan", text))
}

func (s *Session) Notify(title, text string) {
	fmt.Fprintf(s.term, "\a%s %s\n", s.colored("yellow", "["+title+"]"), text)
}

func (s *Session) SetGauge(name string, value, max float64, color string) {
	s.gaugeMu.Lock()
	s.gauges[name] = gauge{value: value, max: max, color: color}
	s.gaugeMu.Unlock()
	s.updatePrompt()
}

func (s *Session) ClearGauge(name string) {
	s.gaugeMu.Lock()
	delete(s.gauges, name)
	s.gaugeMu.Unlock()
	s.updatePrompt()
}

func (s *Session) colored(color, text string) string {
	e := s.term.Escape
	var code []byte
	switch strings.ToLower(color) {
	case "red":
		code = e.Red
	case "green":
		code = e.Green
	case "yellow":
		code = e.Yellow
	case "blue":
		code = e.Blue
	case "magenta":
		code = e.Magenta
	case "cyan":
		code = e.Cyan
	case "white":
		code = e.White
	default:
		return text
	}
	return string(code) + text + string(e.Reset)
}

// prompt renders the gauges, sorted by name, in front of the input prompt.
func (s *Session) prompt() string {
	s.gaugeMu.Lock()
	defer s.gaugeMu.Unlock()
	names := make([]string, 0, len(s.gauges))
	for name := range s.gauges {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, 0, len(names)+1)
	for _, name := range names {
		g := s.gauges[name]
		text := fmt.Sprintf("%s %s/%s", name, humanize.Ftoa(g.value), humanize.Ftoa(g.max))
		parts = append(parts, s.colored(g.color, text))
	}
	parts = append(parts, "> ")
	return strings.Join(parts, " ")
}

func (s *Session) updatePrompt() {
	s.term.SetPrompt(s.prompt())
}
