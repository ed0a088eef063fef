// Package pipeline turns server text into display lines while running the
// session's triggers, and turns user input into commands while expanding
// aliases.
//
// Incoming lines are processed synchronously up to trigger matching. Scripts
// and the final mutate/emit step run as tasks on a single Dispatcher, with a
// line's emit task queued after that line's scripts. This keeps lines in
// arrival order, never blocks the reader on a script, and lets gag() and
// replace() in any trigger script affect the line that fired it.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/metrics"
	"github.com/thalynlabs/mudscape/rules"
	"github.com/thalynlabs/mudscape/script"
	"github.com/thalynlabs/mudscape/sound"
)

type Config struct {
	BufferLines      int           `yaml:"bufferLines"`
	DisplayLines     int           `yaml:"displayLines"`
	LogLines         int           `yaml:"logLines"`
	PromptFlushDelay time.Duration `yaml:"promptFlushDelay"`
	ScriptTimeout    time.Duration `yaml:"scriptTimeout"`
	CommandPrefix    string        `yaml:"commandPrefix"`
}

func DefaultConfig() Config {
	return Config{
		BufferLines:      50,
		DisplayLines:     5000,
		LogLines:         1000,
		PromptFlushDelay: 300 * time.Millisecond,
		ScriptTimeout:    2 * time.Second,
		CommandPrefix:    "#",
	}
}

// Display is where emitted lines and script output end up.
type Display interface {
	Line(text string)
	Echo(text string)
	Notify(title, text string)
	SetGauge(name string, value, max float64, color string)
	ClearGauge(name string)
}

// Sender delivers commands to the game server.
type Sender interface {
	Send(text string) error
}

// Variables is the persistent variable storage scripts read and write.
type Variables interface {
	Variable(name string) any
	SetVariable(name string, value any) error
}

type Options struct {
	Store     *rules.Store
	Engine    script.Engine
	Display   Display
	Sender    Sender
	Variables Variables
	Player    sound.Player
	Metrics   *metrics.Metrics
	// Log receives entries written by the log() host function.
	Log io.Writer
}

type replacement struct {
	old string
	new string
}

// lineState is the mutation accumulator of one incoming line. It is created
// fresh for every line and consumed once by finalize.
type lineState struct {
	display  string
	clean    string
	isPrompt bool

	mu           sync.Mutex
	done         bool
	gagged       bool
	replacements []replacement
	echoes       []string
}

func (l *lineState) gag() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done {
		l.gagged = true
	}
}

func (l *lineState) replace(old, new string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done && old != "" {
		l.replacements = append(l.replacements, replacement{old: old, new: new})
	}
}

// echo buffers text until the line is emitted. It returns false once the
// line is done.
func (l *lineState) echo(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.echoes = append(l.echoes, text)
	return true
}

type Pipeline struct {
	config     Config
	store      *rules.Store
	engine     script.Engine
	dispatcher *Dispatcher
	display    Display
	sender     Sender
	vars       Variables
	player     sound.Player
	metrics    *metrics.Metrics
	logWriter  io.Writer

	ingest          sync.Mutex
	partial         string
	buffer          *ring[string]
	prompt          rules.Matcher
	triggersEnabled bool
	lastLine        *lineState

	out     sync.Mutex
	history *ring[string]
	logs    *ring[string]
}

func New(config Config, opts Options) *Pipeline {
	defaults := DefaultConfig()
	if config.BufferLines <= 0 {
		config.BufferLines = defaults.BufferLines
	}
	if config.DisplayLines <= 0 {
		config.DisplayLines = defaults.DisplayLines
	}
	if config.LogLines <= 0 {
		config.LogLines = defaults.LogLines
	}
	p := &Pipeline{
		config:          config,
		store:           opts.Store,
		engine:          opts.Engine,
		dispatcher:      NewDispatcher(),
		display:         opts.Display,
		sender:          opts.Sender,
		vars:            opts.Variables,
		player:          opts.Player,
		metrics:         opts.Metrics,
		logWriter:       opts.Log,
		buffer:          newRing[string](config.BufferLines),
		triggersEnabled: true,
		history:         newRing[string](config.DisplayLines),
		logs:            newRing[string](config.LogLines),
	}
	if p.vars == nil {
		p.vars = memoryVariables{values: mudscape.NewSyncMap[string, any]()}
	}
	return p
}

// Run drains the dispatcher until Close or ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.dispatcher.Run(ctx)
}

// Sync waits until everything queued so far has run.
func (p *Pipeline) Sync(ctx context.Context) error {
	return p.dispatcher.Sync(ctx)
}

// Close waits for queued work and stops the dispatcher.
func (p *Pipeline) Close() error {
	return p.dispatcher.Close()
}

func (p *Pipeline) Config() Config {
	return p.config
}

func (p *Pipeline) Store() *rules.Store {
	return p.store
}

// SetSender replaces the command destination.
func (p *Pipeline) SetSender(s Sender) {
	p.ingest.Lock()
	defer p.ingest.Unlock()
	p.sender = s
}

// SetPromptPattern sets the regex identifying prompt lines. An empty
// pattern disables prompt detection.
func (p *Pipeline) SetPromptPattern(pattern string) error {
	var m rules.Matcher
	if pattern != "" {
		var err error
		if m, err = rules.Compile(pattern, rules.Regex, false); err != nil {
			return err
		}
	}
	p.ingest.Lock()
	defer p.ingest.Unlock()
	p.prompt = m
	return nil
}

func (p *Pipeline) SetTriggersEnabled(enabled bool) {
	p.ingest.Lock()
	defer p.ingest.Unlock()
	p.triggersEnabled = enabled
}

func (p *Pipeline) TriggersEnabled() bool {
	p.ingest.Lock()
	defer p.ingest.Unlock()
	return p.triggersEnabled
}

// Receive splits data into lines. CR before LF is dropped and an
// unterminated tail is kept until more data or Flush arrives.
func (p *Pipeline) Receive(data string) {
	p.ingest.Lock()
	defer p.ingest.Unlock()
	p.partial += data
	for {
		i := strings.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(p.partial[:i], "\r")
		p.partial = p.partial[i+1:]
		p.processLine(line)
	}
}

// Flush processes the carried partial line, typically a prompt that has no
// newline. It reports whether there was one.
func (p *Pipeline) Flush() bool {
	p.ingest.Lock()
	defer p.ingest.Unlock()
	if p.partial == "" {
		return false
	}
	line := strings.TrimSuffix(p.partial, "\r")
	p.partial = ""
	p.processLine(line)
	return true
}

// Pending returns the carried partial line.
func (p *Pipeline) Pending() string {
	p.ingest.Lock()
	defer p.ingest.Unlock()
	return p.partial
}

// ProcessLine runs one complete line through the pipeline.
func (p *Pipeline) ProcessLine(raw string) {
	p.ingest.Lock()
	defer p.ingest.Unlock()
	p.processLine(raw)
}

func (p *Pipeline) processLine(raw string) {
	clean := ansi.Strip(raw)
	clean, directives := sound.ParseMSP(clean)
	display := raw
	if len(directives) > 0 {
		display, _ = sound.ParseMSP(raw)
		if p.player != nil {
			for _, d := range directives {
				sound.Apply(p.player, d)
			}
		}
	}

	p.buffer.push(clean)

	line := &lineState{
		display:  display,
		clean:    clean,
		isPrompt: p.prompt != nil && matches(p.prompt, clean),
	}
	p.lastLine = line

	if p.triggersEnabled && p.store != nil {
		p.matchTriggers(line)
	}

	p.dispatcher.Enqueue(func(context.Context) {
		p.finalize(line)
	})
}

func matches(m rules.Matcher, text string) bool {
	_, ok := m.Match(text)
	return ok
}

func (p *Pipeline) matchTriggers(line *lineState) {
	for _, t := range p.store.Triggers() {
		if !p.store.EffectiveActive(t.Active, t.Class) {
			continue
		}
		m, ok := p.matchTrigger(t, line.clean)
		if !ok {
			continue
		}
		p.metrics.RuleFired(string(rules.KindTrigger))
		p.fire(t, line, m)
	}

	for _, tt := range p.store.TempTriggers() {
		m, ok := tt.Match(line.clean)
		if !ok {
			continue
		}
		// Whoever removes it first owns the only firing.
		if !p.store.TakeTempTrigger(tt.ID) {
			continue
		}
		p.metrics.RuleFired("temp_trigger")
		p.dispatch(tt.ID, tt.Script, line, m)
	}
}

// matchTrigger must be called with ingest held.
func (p *Pipeline) matchTrigger(t rules.Trigger, clean string) (*rules.Match, bool) {
	if !t.MultiLine.Enabled() {
		return rules.MatchTrigger(t, clean, false)
	}
	if p.buffer.len() < t.MultiLine.LineCount {
		return nil, false
	}
	combined := strings.Join(p.buffer.last(t.MultiLine.LineCount), t.MultiLine.Separator())
	return rules.MatchTrigger(t, combined, true)
}

func triggerOrigin(t rules.Trigger) string {
	if t.Name != "" {
		return "trigger " + t.Name
	}
	return "trigger " + t.ID
}

// fire applies a matched permanent trigger's gag, script and sound.
func (p *Pipeline) fire(t rules.Trigger, line *lineState, m *rules.Match) {
	if t.Gag {
		line.gag()
	}
	if t.Script != "" {
		p.dispatch(triggerOrigin(t), t.Script, line, m)
	}
	if t.Sound != nil && t.Sound.File != "" && p.player != nil {
		volume := t.Sound.Volume
		if volume <= 0 {
			volume = sound.DefaultVolume
		}
		if t.Sound.Loops == sound.Forever {
			p.player.Loop(t.Sound.File, volume)
		} else {
			p.player.Play(t.Sound.File, volume, max(t.Sound.Loops, 1))
		}
	}
}

// dispatch queues source to run with a context bound to line, which may be
// nil for scripts not caused by an incoming line.
func (p *Pipeline) dispatch(origin, source string, line *lineState, m *rules.Match) {
	if source == "" {
		return
	}
	p.dispatcher.Enqueue(func(ctx context.Context) {
		p.run(ctx, origin, source, line, m)
	})
}

// run executes a script on the calling goroutine. Errors are reported to
// the display and never propagate.
func (p *Pipeline) run(ctx context.Context, origin, source string, line *lineState, m *rules.Match) {
	if p.engine == nil {
		p.echo(line, fmt.Sprintf("No script engine, %s not run.", origin))
		return
	}
	c := &script.Context{
		API:    &hostAPI{p: p, ctx: ctx, line: line, match: m},
		Origin: origin,
	}
	if line != nil {
		c.Line = line.clean
		c.IsPrompt = line.isPrompt
	}
	if m != nil {
		c.Matches = m.Groups
		c.Named = m.Named
	}
	start := time.Now()
	err := p.engine.Run(ctx, c, source)
	p.metrics.ScriptRan(time.Since(start).Seconds(), err != nil)
	if err != nil {
		log.Printf("%s: %s: %v", mudscape.SessionID(ctx), origin, err)
		p.echo(line, err.Error())
	}
}

// RunTimer queues a timer's script. It is the rules.FireFunc of the
// session's store.
func (p *Pipeline) RunTimer(name, source string) {
	p.metrics.RuleFired(string(rules.KindTimer))
	p.dispatch("timer "+name, source, nil, nil)
}

// FireTrigger queues the script of the permanent trigger with the given
// name or id against the most recent line. It reports whether the trigger
// exists.
func (p *Pipeline) FireTrigger(name string) bool {
	p.ingest.Lock()
	line := p.lastLine
	p.ingest.Unlock()
	t, found := p.findTrigger(name)
	if !found {
		return false
	}
	var m *rules.Match
	if line != nil {
		m = &rules.Match{Groups: []string{line.clean}}
	}
	p.dispatch(triggerOrigin(t), t.Script, line, m)
	return true
}

func (p *Pipeline) findTrigger(name string) (rules.Trigger, bool) {
	if p.store == nil {
		return rules.Trigger{}, false
	}
	for _, t := range p.store.Triggers() {
		if t.Name == name || t.ID == name {
			return t, true
		}
	}
	return rules.Trigger{}, false
}

// finalize applies the line's replacements to the display text and emits
// it unless gagged, followed by any echoes the line's scripts made.
func (p *Pipeline) finalize(line *lineState) {
	line.mu.Lock()
	line.done = true
	gagged := line.gagged
	replacements := line.replacements
	echoes := line.echoes
	line.mu.Unlock()

	if gagged {
		p.metrics.Line("gagged")
	} else {
		text := line.display
		for _, r := range replacements {
			text = strings.ReplaceAll(text, r.old, r.new)
		}
		p.emit(text)
	}
	if p.display != nil {
		for _, e := range echoes {
			p.display.Echo(e)
		}
	}
}

func (p *Pipeline) emit(text string) {
	p.out.Lock()
	p.history.push(text)
	p.out.Unlock()
	p.metrics.Line("emitted")
	if p.display != nil {
		p.display.Line(text)
	}
}

// echo shows text after line if line is still pending, else right away.
func (p *Pipeline) echo(line *lineState, text string) {
	if line != nil && line.echo(text) {
		return
	}
	if p.display != nil {
		p.display.Echo(text)
	}
}

// Echo shows client-generated text.
func (p *Pipeline) Echo(text string) {
	p.echo(nil, text)
}

// History returns up to n of the most recently emitted lines, oldest first.
func (p *Pipeline) History(n int) []string {
	p.out.Lock()
	defer p.out.Unlock()
	return p.history.last(n)
}

// Log appends a timestamped entry to the session log.
func (p *Pipeline) Log(text string) {
	entry := time.Now().Format(time.DateTime) + " " + text
	p.out.Lock()
	defer p.out.Unlock()
	p.logs.push(entry)
	if p.logWriter != nil {
		if _, err := io.WriteString(p.logWriter, entry+"\n"); err != nil {
			log.Printf("writing session log: %v", err)
		}
	}
}

func (p *Pipeline) LogEntries() []string {
	p.out.Lock()
	defer p.out.Unlock()
	return p.logs.all()
}

type rotator interface {
	Rotate() error
}

// ClearLog empties the in-memory log and rotates the log file if it can.
func (p *Pipeline) ClearLog() {
	p.out.Lock()
	defer p.out.Unlock()
	p.logs.clear()
	if r, ok := p.logWriter.(rotator); ok {
		if err := r.Rotate(); err != nil {
			log.Printf("rotating session log: %v", err)
		}
	}
}

type memoryVariables struct {
	values *mudscape.SyncMap[string, any]
}

func (m memoryVariables) Variable(name string) any {
	v, _ := m.values.GetHas(name)
	return v
}

func (m memoryVariables) SetVariable(name string, value any) error {
	if value == nil {
		m.values.Del(name)
		return nil
	}
	m.values.Set(name, value)
	return nil
}
