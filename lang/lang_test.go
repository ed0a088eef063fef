package lang

import (
	"testing"
)

func TestSingular(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"triggers", "trigger"},
		{"aliases", "alias"},
		{"classes", "class"},
		{"enemies", "enemy"},
		{"mice", "mouse"},
		{"sheep", "sheep"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Singular(tt.input); got != tt.expected {
				t.Errorf("Singular(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPlural(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"trigger", "triggers"},
		{"alias", "aliases"},
		{"class", "classes"},
		{"enemy", "enemies"},
		{"mouse", "mice"},
		{"sheep", "sheep"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Plural(tt.input); got != tt.expected {
				t.Errorf("Plural(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		count    int
		word     string
		expected string
	}{
		{0, "trigger", "no triggers"},
		{1, "alias", "1 alias"},
		{1, "aliases", "1 alias"},
		{2, "timer", "2 timers"},
		{1204, "line", "1,204 lines"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := Count(tt.count, tt.word); got != tt.expected {
				t.Errorf("Count(%d, %q) = %q, want %q", tt.count, tt.word, got, tt.expected)
			}
		})
	}
}

func TestCapitalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"trigger", "Trigger"},
		{"hello world", "Hello world"},
		{"ALREADY", "ALREADY"},
		{"", ""},
		{"ärger", "Ärger"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Capitalize(tt.input); got != tt.expected {
				t.Errorf("Capitalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEnumerator(t *testing.T) {
	tests := []struct {
		name     string
		enum     Enumerator
		elements []string
		expected string
	}{
		{
			name:     "empty",
			enum:     Enumerator{},
			elements: nil,
			expected: "",
		},
		{
			name:     "single element",
			enum:     Enumerator{},
			elements: []string{"trigger"},
			expected: "trigger",
		},
		{
			name:     "two elements",
			enum:     Enumerator{},
			elements: []string{"triggers", "aliases"},
			expected: "triggers and aliases",
		},
		{
			name:     "three elements",
			enum:     Enumerator{},
			elements: []string{"triggers", "aliases", "timers"},
			expected: "triggers, aliases, and timers",
		},
		{
			name:     "with or operator",
			enum:     Enumerator{Operator: "or"},
			elements: []string{"enable", "disable"},
			expected: "enable or disable",
		},
		{
			name:     "with pattern",
			enum:     Enumerator{Pattern: "#%s"},
			elements: []string{"connect", "quit"},
			expected: "#connect and #quit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.enum.Do(tt.elements...); got != tt.expected {
				t.Errorf("Do(%q) = %q, want %q", tt.elements, got, tt.expected)
			}
		})
	}
}
