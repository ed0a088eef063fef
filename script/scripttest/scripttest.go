// Package scripttest provides a recording script.API for engine tests.
package scripttest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/thalynlabs/mudscape/rules"
)

// Recorder implements script.API by recording every call as a short string
// such as `send("look")`. Variables are kept in memory.
type Recorder struct {
	mu    sync.Mutex
	Calls []string
	Vars  map[string]any
	Logs  []string
	// SendErr, when set, is returned by Send.
	SendErr error
}

func New() *Recorder {
	return &Recorder{Vars: map[string]any{}}
}

func (r *Recorder) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, fmt.Sprintf(format, args...))
}

// Recorded returns a copy of the calls so far.
func (r *Recorder) Recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Calls...)
}

func (r *Recorder) Send(text string) error {
	r.record("send(%q)", text)
	return r.SendErr
}

func (r *Recorder) Echo(text string) {
	r.record("echo(%q)", text)
}

func (r *Recorder) GetVariable(name string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Vars[name]
}

func (r *Recorder) SetVariable(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Vars[name] = value
	return nil
}

func (r *Recorder) PlaySound(file string, volume, loops int) {
	r.record("playSound(%q, %d, %d)", file, volume, loops)
}

func (r *Recorder) StopSound(file string) {
	r.record("stopSound(%q)", file)
}

func (r *Recorder) LoopSound(file string, volume int) {
	r.record("loopSound(%q, %d)", file, volume)
}

func (r *Recorder) SetSoundPosition(file string, seconds float64) {
	r.record("setSoundPosition(%q, %g)", file, seconds)
}

func (r *Recorder) Gag() {
	r.record("gag()")
}

func (r *Recorder) Replace(old, new string) {
	r.record("replace(%q, %q)", old, new)
}

func (r *Recorder) TempTrigger(pattern, script string, timeoutSeconds float64) string {
	r.record("tempTrigger(%q, %q, %g)", pattern, script, timeoutSeconds)
	return "tt-1"
}

func (r *Recorder) TempAlias(pattern, script string) (string, error) {
	r.record("tempAlias(%q, %q)", pattern, script)
	return "ta-1", nil
}

func (r *Recorder) TempTimer(delaySeconds float64, script string) (string, error) {
	r.record("tempTimer(%g, %q)", delaySeconds, script)
	return "tm-1", nil
}

func (r *Recorder) KillTrigger(id string) bool {
	r.record("killTrigger(%q)", id)
	return true
}

func (r *Recorder) KillAlias(id string) bool {
	r.record("killAlias(%q)", id)
	return true
}

func (r *Recorder) KillTimer(id string) bool {
	r.record("killTimer(%q)", id)
	return true
}

func (r *Recorder) SetEnabled(kind rules.Kind, ref string, enabled bool) (bool, error) {
	r.record("setEnabled(%s, %q, %v)", kind, ref, enabled)
	return true, nil
}

func (r *Recorder) ExpandAlias(text string) error {
	r.record("expandAlias(%q)", text)
	return nil
}

func (r *Recorder) FireTrigger(name string) bool {
	r.record("fireTrigger(%q)", name)
	return true
}

func (r *Recorder) Notify(title, text string) {
	r.record("notify(%q, %q)", title, text)
}

func (r *Recorder) SetGauge(name string, value, max float64, color string) {
	r.record("setGauge(%q, %g, %g, %q)", name, value, max, color)
}

func (r *Recorder) ClearGauge(name string) {
	r.record("clearGauge(%q)", name)
}

func (r *Recorder) Log(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Logs = append(r.Logs, text)
}

func (r *Recorder) GetLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Logs...)
}

func (r *Recorder) ClearLog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Logs = nil
}

// String renders the calls one per line, for failure messages.
func (r *Recorder) String() string {
	return strings.Join(r.Recorded(), "\n")
}
