package discord

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantCmd  string
		wantArgs string
	}{
		{"!status", "status", ""},
		{"!STATUS", "status", ""},
		{"!agenda u1 2026-03-02", "agenda", "u1 2026-03-02"},
		{"!agenda", "agenda", ""},
		{"!inbox buy milk", "", "!inbox buy milk"},
		{"status", "", "status"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, args := ParseCommand(tt.input)
			if cmd != tt.wantCmd || args != tt.wantArgs {
				t.Errorf("ParseCommand(%q) = %q, %q; want %q, %q", tt.input, cmd, args, tt.wantCmd, tt.wantArgs)
			}
		})
	}
}
