package session

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/buildkite/shellwords"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/lang"
	"github.com/thalynlabs/mudscape/profile"
	"github.com/thalynlabs/mudscape/rules"
)

type command struct {
	names map[string]bool
	usage string
	f     func(s *Session, args []string) error
}

type commands []command

func (c commands) attempt(s *Session, name string, args []string) (bool, error) {
	for _, cmd := range c {
		if cmd.names[name] {
			if err := cmd.f(s, args); err != nil {
				return true, mudscape.WithStack(err)
			}
			return true, nil
		}
	}
	return false, nil
}

func m(s ...string) map[string]bool {
	res := map[string]bool{}
	for _, p := range s {
		res[p] = true
	}
	return res
}

func (s *Session) command(line string) error {
	parts, err := shellwords.SplitPosix(line)
	if err != nil {
		return mudscape.WithStack(err)
	}
	if len(parts) == 0 {
		return nil
	}
	found, err := s.commands.attempt(s, strings.ToLower(parts[0]), parts[1:])
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("Unknown command %q, try %shelp.", parts[0], s.config.Pipeline.CommandPrefix)
	}
	return nil
}

func usage(cmd string) error {
	return errors.Errorf("usage: %s", cmd)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (s *Session) localCommands() commands {
	return []command{
		{
			names: m("connect"),
			usage: "connect [host port [encoding]]",
			f: func(s *Session, args []string) error {
				p := s.manager.Profile()
				host, port, encoding := p.Host, p.Port, p.Encoding
				switch len(args) {
				case 0:
					if host == "" {
						return usage("connect host port [encoding]")
					}
				case 2, 3:
					host = args[0]
					var err error
					if port, err = strconv.Atoi(args[1]); err != nil {
						return errors.Errorf("invalid port %q", args[1])
					}
					if len(args) == 3 {
						encoding = args[2]
					}
				default:
					return usage("connect [host port [encoding]]")
				}
				fmt.Fprintf(s.term, "Connecting to %s:%d...\n", host, port)
				go func() {
					// Failures are reported through the relay's error events.
					_ = s.conn.Connect(s.ctx, host, port, encoding, p.GMCP)
				}()
				return nil
			},
		},
		{
			names: m("disconnect"),
			usage: "disconnect",
			f: func(s *Session, _ []string) error {
				s.conn.Disconnect()
				return nil
			},
		},
		{
			names: m("gmcp"),
			usage: "gmcp [module [json]]",
			f: func(s *Session, args []string) error {
				if len(args) == 0 {
					return s.listGMCP()
				}
				var data any
				if len(args) > 1 {
					if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), &data); err != nil {
						return errors.Wrap(err, "invalid GMCP data")
					}
				}
				return s.conn.SendGMCP(args[0], data)
			},
		},
		{
			names: m("triggers", "trigger"),
			usage: "triggers",
			f:     func(s *Session, _ []string) error { return s.listTriggers() },
		},
		{
			names: m("aliases", "alias"),
			usage: "aliases",
			f:     func(s *Session, _ []string) error { return s.listAliases() },
		},
		{
			names: m("timers", "timer"),
			usage: "timers",
			f:     func(s *Session, _ []string) error { return s.listTimers() },
		},
		{
			names: m("classes", "class"),
			usage: "classes",
			f:     func(s *Session, _ []string) error { return s.listClasses() },
		},
		{
			names: m("vars", "variables"),
			usage: "vars",
			f:     func(s *Session, _ []string) error { return s.listVariables() },
		},
		{
			names: m("enable"),
			usage: "enable kind name",
			f:     setEnabled(true),
		},
		{
			names: m("disable"),
			usage: "disable kind name",
			f:     setEnabled(false),
		},
		{
			names: m("tt"),
			usage: "tt pattern script [timeout]",
			f: func(s *Session, args []string) error {
				if len(args) < 2 || len(args) > 3 {
					return usage("tt pattern script [timeout seconds]")
				}
				var timeout float64
				if len(args) == 3 {
					var err error
					if timeout, err = strconv.ParseFloat(args[2], 64); err != nil {
						return errors.Errorf("invalid timeout %q", args[2])
					}
				}
				id := s.rules.AddTempTrigger(args[0], args[1], rules.Seconds(timeout))
				fmt.Fprintf(s.term, "Temporary trigger %s added.\n", id)
				return nil
			},
		},
		{
			names: m("processing"),
			usage: "processing [on|off]",
			f: func(s *Session, args []string) error {
				if len(args) == 0 {
					fmt.Fprintf(s.term, "Trigger processing: %s\n", map[bool]string{true: "on", false: "off"}[s.pipe.TriggersEnabled()])
					return nil
				}
				var enabled bool
				switch args[0] {
				case "on":
					enabled = true
				case "off":
				default:
					return usage("processing [on|off]")
				}
				_, err := s.manager.Update(func(p *profile.Profile) (bool, error) {
					changed := p.TriggersEnabled != enabled
					p.TriggersEnabled = enabled
					return changed, nil
				})
				return err
			},
		},
		{
			names: m("prompt"),
			usage: "prompt [pattern]",
			f: func(s *Session, args []string) error {
				pattern := strings.Join(args, " ")
				if pattern != "" {
					if _, err := rules.Compile(pattern, rules.Regex, false); err != nil {
						return errors.Wrap(err, "invalid prompt pattern")
					}
				}
				_, err := s.manager.Update(func(p *profile.Profile) (bool, error) {
					changed := p.PromptPattern != pattern
					p.PromptPattern = pattern
					return changed, nil
				})
				return err
			},
		},
		{
			names: m("profile"),
			usage: "profile [name]",
			f: func(s *Session, args []string) error {
				if len(args) == 0 {
					p := s.manager.Profile()
					t := table.New("Setting", "Value").WithWriter(s.term)
					t.AddRow("Name", p.Name)
					t.AddRow("Server", fmt.Sprintf("%s:%d", p.Host, p.Port))
					t.AddRow("Encoding", p.Encoding)
					t.AddRow("GMCP", yesNo(p.GMCP))
					t.AddRow("Prompt", p.PromptPattern)
					t.AddRow("Triggers enabled", yesNo(p.TriggersEnabled))
					t.AddRow("Script language", p.ScriptLanguage)
					t.AddRow("Rules", lang.Enumerator{}.Do(
						lang.Count(len(p.Triggers), "trigger"),
						lang.Count(len(p.Aliases), "alias"),
						lang.Count(len(p.Timers), "timer"),
						lang.Count(len(p.Classes), "class")))
					t.Print()
					return nil
				}
				if len(args) != 1 {
					return usage("profile [name]")
				}
				p, err := s.manager.Switch(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(s.term, "Using profile %q.\n", p.Name)
				return nil
			},
		},
		{
			names: m("history"),
			usage: "history [n]",
			f: func(s *Session, args []string) error {
				n := 20
				if len(args) > 0 {
					var err error
					if n, err = strconv.Atoi(args[0]); err != nil || n < 1 {
						return usage("history [lines]")
					}
				}
				for _, line := range s.pipe.History(n) {
					fmt.Fprintln(s.term, line)
				}
				return nil
			},
		},
		{
			names: m("log"),
			usage: "log",
			f: func(s *Session, _ []string) error {
				entries := s.pipe.LogEntries()
				if len(entries) == 0 {
					fmt.Fprintln(s.term, "The log is empty.")
				}
				for _, entry := range entries {
					fmt.Fprintln(s.term, entry)
				}
				return nil
			},
		},
		{
			names: m("sounds"),
			usage: "sounds",
			f: func(s *Session, _ []string) error {
				playing := s.player.Playing()
				fmt.Fprintf(s.term, "%s playing.\n", lang.Capitalize(lang.Count(len(playing), "sound")))
				for _, file := range playing {
					fmt.Fprintln(s.term, file)
				}
				return nil
			},
		},
		{
			names: m("help", "?"),
			usage: "help",
			f: func(s *Session, _ []string) error {
				usages := make([]string, 0, len(s.commands))
				for _, cmd := range s.commands {
					usages = append(usages, s.config.Pipeline.CommandPrefix+cmd.usage)
				}
				slices.Sort(usages)
				fmt.Fprintln(s.term, "Local commands:")
				for _, u := range usages {
					fmt.Fprintf(s.term, "  %s\n", u)
				}
				return nil
			},
		},
		{
			names: m("quit", "exit"),
			usage: "quit",
			f: func(s *Session, _ []string) error {
				return ErrQuit
			},
		},
	}
}

func setEnabled(enabled bool) func(*Session, []string) error {
	verb := map[bool]string{true: "enable", false: "disable"}[enabled]
	return func(s *Session, args []string) error {
		if len(args) != 2 {
			return usage(verb + " trigger|alias|timer|class name")
		}
		kind, err := rules.ParseKind(args[0])
		if err != nil {
			return err
		}
		changed, err := s.rules.SetActive(kind, args[1], enabled)
		if err != nil {
			return err
		}
		if !changed {
			return errors.Errorf("No %s matches %q.", kind, args[1])
		}
		fmt.Fprintf(s.term, "%s %q %sd.\n", lang.Capitalize(string(kind)), args[1], verb)
		return nil
	}
}

func (s *Session) listTriggers() error {
	t := table.New("ID", "Name", "Pattern", "Type", "Class", "Active").WithWriter(s.term)
	for _, tr := range s.rules.Triggers() {
		mode := tr.Mode
		if mode == "" {
			mode = rules.Regex
		}
		if tr.MultiLine.Enabled() {
			mode = rules.MatchMode(fmt.Sprintf("%s/%d lines", mode, tr.MultiLine.LineCount))
		}
		t.AddRow(tr.ID, tr.Name, tr.Pattern, mode, tr.Class, yesNo(s.rules.EffectiveActive(tr.Active, tr.Class)))
	}
	for _, tt := range s.rules.TempTriggers() {
		expires := "never"
		if !tt.Expires.IsZero() {
			expires = humanize.Time(tt.Expires)
		}
		t.AddRow(tt.ID, "", tt.Pattern, "temp", "", "expires "+expires)
	}
	t.Print()
	return nil
}

func (s *Session) listAliases() error {
	t := table.New("ID", "Name", "Pattern", "Type", "Class", "Active").WithWriter(s.term)
	for _, a := range s.rules.Aliases() {
		kind := a.Kind
		if kind == "" {
			kind = rules.Command
		}
		t.AddRow(a.ID, a.Name, a.Pattern, kind, a.Class, yesNo(s.rules.EffectiveActive(a.Active, a.Class)))
	}
	for _, ta := range s.rules.TempAliases() {
		t.AddRow(ta.ID, "", ta.Pattern, "temp", "", "yes")
	}
	t.Print()
	return nil
}

func (s *Session) listTimers() error {
	t := table.New("ID", "Name", "Every", "Class", "Active", "Next").WithWriter(s.term)
	for _, tm := range s.rules.Timers() {
		next := ""
		if due, found := s.rules.NextRun(tm.ID); found {
			next = humanize.Time(due)
		}
		t.AddRow(tm.ID, tm.Name, tm.Period(), tm.Class, yesNo(s.rules.EffectiveActive(tm.Active, tm.Class)), next)
	}
	for _, tt := range s.rules.TempTimers() {
		t.AddRow(tt.ID, "", "once", "", "yes", humanize.Time(tt.Due))
	}
	t.Print()
	return nil
}

func (s *Session) listClasses() error {
	t := table.New("ID", "Name", "Active").WithWriter(s.term)
	for _, c := range s.rules.Classes() {
		t.AddRow(c.ID, c.Name, yesNo(c.Active))
	}
	t.Print()
	return nil
}

func (s *Session) listVariables() error {
	vars := s.manager.Profile().Variables
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	slices.Sort(names)
	t := table.New("Name", "Value").WithWriter(s.term)
	for _, name := range names {
		b, err := json.Marshal(vars[name])
		if err != nil {
			return mudscape.WithStack(err)
		}
		t.AddRow(name, string(b))
	}
	t.Print()
	return nil
}

func (s *Session) listGMCP() error {
	s.gmcpMu.Lock()
	defer s.gmcpMu.Unlock()
	modules := make([]string, 0, len(s.gmcp))
	for module := range s.gmcp {
		modules = append(modules, module)
	}
	slices.Sort(modules)
	t := table.New("Module", "Last value").WithWriter(s.term)
	for _, module := range modules {
		b, err := json.Marshal(s.gmcp[module])
		if err != nil {
			return mudscape.WithStack(err)
		}
		t.AddRow(module, string(b))
	}
	t.Print()
	return nil
}
