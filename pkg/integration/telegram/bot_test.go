package telegram

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCmd  string
		wantArgs string
	}{
		{
			name:    "status command",
			input:   "/status",
			wantCmd: "status",
		},
		{
			name:     "agenda with collaborator",
			input:    "/agenda u1",
			wantCmd:  "agenda",
			wantArgs: "u1",
		},
		{
			name:     "agenda with date and extra spaces",
			input:    "  /agenda   u1 2026-03-02 ",
			wantCmd:  "agenda",
			wantArgs: "u1 2026-03-02",
		},
		{
			name:     "command addressed to the bot",
			input:    "/agenda@atelier_bot u2",
			wantCmd:  "agenda",
			wantArgs: "u2",
		},
		{
			name:     "unknown command",
			input:    "/help",
			wantCmd:  "",
			wantArgs: "/help",
		},
		{
			name:     "plain text",
			input:    "hello world",
			wantCmd:  "",
			wantArgs: "hello world",
		},
		{
			name:     "prefix of a command is not a command",
			input:    "/statusfoo",
			wantCmd:  "",
			wantArgs: "/statusfoo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args := ParseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("ParseCommand(%q) command = %q, want %q", tt.input, cmd, tt.wantCmd)
			}
			if args != tt.wantArgs {
				t.Errorf("ParseCommand(%q) args = %q, want %q", tt.input, args, tt.wantArgs)
			}
		})
	}
}
