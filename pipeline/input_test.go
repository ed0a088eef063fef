package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape/rules"
)

func TestInput(t *testing.T) {
	h := newHarness(t, rules.Rules{
		Aliases: []rules.Alias{
			{ID: "a1", Pattern: `^tt (.*)$`, Kind: rules.Command, Command: "tell target $1", Active: true},
			{ID: "a2", Pattern: `^tt`, Kind: rules.Command, Command: "never", Active: true},
			{ID: "a3", Pattern: `^heal$`, Kind: rules.Script, Script: `send("cast heal"); send("say done")`, Active: true},
			{ID: "a4", Pattern: `^off$`, Kind: rules.Command, Command: "nope", Active: false},
			{ID: "a5", Pattern: `^gated$`, Kind: rules.Command, Command: "nope", Class: "travel", Active: true},
		},
		Classes: []rules.Class{{ID: "c1", Name: "travel"}},
	})
	for _, input := range []string{"tt hello", "heal", "off", "gated", "look"} {
		if err := h.p.Input(input); err != nil {
			t.Fatalf("Input(%q): %v", input, err)
		}
		h.sync(t)
	}
	want := []string{"tell target hello", "cast heal", "say done", "off", "gated", "look"}
	if diff := cmp.Diff(want, h.sender.get()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestTempAliasInput(t *testing.T) {
	h := newHarness(t, rules.Rules{})
	if _, err := h.store.AddTempAlias(`^k (\w+)$`, `send("kill " .. matches[1])`); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AddTempAlias(`(`, `send("x")`); err == nil {
		t.Error("AddTempAlias accepted an invalid regex")
	}
	for _, input := range []string{"k orc", "k rat"} {
		if err := h.p.Input(input); err != nil {
			t.Fatal(err)
		}
	}
	h.sync(t)
	if diff := cmp.Diff([]string{"kill orc", "kill rat"}, h.sender.get()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}

func TestExpand(t *testing.T) {
	h := newHarness(t, rules.Rules{
		Aliases: []rules.Alias{
			{ID: "a1", Pattern: `^gt (.*)$`, Kind: rules.Command, Command: "guildtell $1", Active: true},
			{ID: "a2", Pattern: `^s$`, Kind: rules.Script, Script: `send("x")`, Active: true},
		},
	})
	if got, ok := h.p.Expand("gt hi all"); !ok || got != "guildtell hi all" {
		t.Errorf("Expand(gt hi all) = %q, %v", got, ok)
	}
	if _, ok := h.p.Expand("s"); ok {
		t.Error("Expand(s) reported a command")
	}
	if got, ok := h.p.Expand("north"); !ok || got != "north" {
		t.Errorf("Expand(north) = %q, %v", got, ok)
	}
}

func TestInputWithoutSender(t *testing.T) {
	h := newHarness(t, rules.Rules{})
	h.p.SetSender(nil)
	if err := h.p.Input("look"); !errors.Is(err, ErrNoSender) {
		t.Errorf("Input() = %v, want ErrNoSender", err)
	}
}

func TestExpandAliasFromScript(t *testing.T) {
	h := newHarness(t, rules.Rules{
		Triggers: []rules.Trigger{{ID: "t", Pattern: `^You are hungry`, Active: true, Script: `expandAlias("eat")`}},
		Aliases:  []rules.Alias{{ID: "a", Pattern: `^eat$`, Kind: rules.Command, Command: "eat bread", Active: true}},
	})
	h.p.Receive("You are hungry.\n")
	h.sync(t)
	if diff := cmp.Diff([]string{"eat bread"}, h.sender.get()); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
}
