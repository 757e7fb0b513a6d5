package logging

import (
	"strings"
	"testing"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTruncate(t *testing.T) {
	yumOutput := strings.Repeat("Installing : contrail-openstack-vrouter\n", 100)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "short output unchanged",
			input:    "Complete!",
			expected: "Complete!",
		},
		{
			name:     "exact length unchanged",
			input:    yumOutput[:MaxLogFieldLength],
			expected: yumOutput[:MaxLogFieldLength],
		},
		{
			name:     "long output cut at the field limit",
			input:    yumOutput,
			expected: yumOutput[:MaxLogFieldLength] + "...",
		},
		{
			name:     "empty output",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Truncate(tt.input)
			if result != tt.expected {
				t.Errorf("Truncate() = %q (len=%d), want %q (len=%d)",
					result, len(result), tt.expected, len(tt.expected))
			}
		})
	}
}

func TestTruncateN(t *testing.T) {
	if got := TruncateN("fab setup_all", 3); got != "fab..." {
		t.Errorf("TruncateN() = %q, want %q", got, "fab...")
	}
	if got := TruncateN("fab", 3); got != "fab" {
		t.Errorf("TruncateN() = %q, want %q", got, "fab")
	}

	// "é" is two bytes; cutting inside it backs up to the character start
	output := "Installé ok"
	for n := 6; n <= 9; n++ {
		got := TruncateN(output, n)
		if !utf8.ValidString(got) {
			t.Errorf("TruncateN(%d) = %q is not valid UTF-8", n, got)
		}
	}
	if got := TruncateN(output, 7); got != "Install..." {
		t.Errorf("TruncateN(7) = %q, want %q", got, "Install...")
	}
	if got := TruncateN(output, 8); got != "Install..." {
		t.Errorf("TruncateN(8) = %q, want %q", got, "Install...")
	}
	if got := TruncateN(output, 9); got != "Installé..." {
		t.Errorf("TruncateN(9) = %q, want %q", got, "Installé...")
	}
}

func TestTruncateSlice(t *testing.T) {
	tests := []struct {
		name     string
		items    []string
		maxItems int
		expected []string
	}{
		{
			name:     "fits",
			items:    []string{"mv /lib/udev/write_net_rules /tmp"},
			maxItems: 5,
			expected: []string{"mv /lib/udev/write_net_rules /tmp"},
		},
		{
			name:     "summarised",
			items:    []string{"a", "b", "c", "d", "e"},
			maxItems: 2,
			expected: []string{"a", "b", "... and 3 more"},
		},
		{
			name:     "empty",
			items:    []string{},
			maxItems: 5,
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateSlice(tt.items, tt.maxItems)
			if strings.Join(result, "|") != strings.Join(tt.expected, "|") || len(result) != len(tt.expected) {
				t.Errorf("TruncateSlice() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestSetLogger(t *testing.T) {
	previous := Logger()
	defer SetLogger(previous)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	Logger().Info("remote command finished", zap.String("stdout", Truncate(strings.Repeat("x", 2*MaxLogFieldLength))))
	Logger().Debug("dropped below info")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	stdout := entries[0].ContextMap()["stdout"].(string)
	if len(stdout) != MaxLogFieldLength+3 {
		t.Errorf("stdout field has length %d, want %d", len(stdout), MaxLogFieldLength+3)
	}
}
