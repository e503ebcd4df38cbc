package google

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const fakeKey = `{
	"type": "service_account",
	"project_id": "atelier-test",
	"private_key_id": "abc",
	"private_key": "not-a-real-key",
	"client_email": "atelier@atelier-test.iam.gserviceaccount.com",
	"token_uri": "https://oauth2.googleapis.com/token"
}`

func TestLoadCredentials_InvalidPath(t *testing.T) {
	_, err := LoadCredentials("/nonexistent/path.json", CalendarEventsScope)
	if err == nil {
		t.Fatal("expected error for nonexistent credentials file")
	}
}

func TestLoadCredentials_InvalidJSON(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "bad.json")
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadCredentials(path, CalendarEventsScope)
	if err == nil {
		t.Fatal("expected error for invalid JSON credentials")
	}
}

func TestParseCredentials_WrongType(t *testing.T) {
	_, err := ParseCredentials([]byte(`{"type": "authorized_user"}`), GmailModifyScope)
	if err == nil {
		t.Fatal("expected error for non service account key")
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, []byte(fakeKey), 0600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadCredentials(path, CalendarEventsScope, GmailModifyScope)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.Email() != "atelier@atelier-test.iam.gserviceaccount.com" {
		t.Errorf("email = %q", creds.Email())
	}
	if creds.HTTPClient(context.Background(), "contact@atelier.fr") == nil {
		t.Error("expected an http client")
	}
	if creds.Option(context.Background(), "") == nil {
		t.Error("expected non-nil ClientOption")
	}
	if creds.conf.Subject != "" {
		t.Error("delegated client must not change the shared config")
	}
}
