// Package google loads service account credentials shared by the Calendar
// and Gmail integrations.
package google

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/option"
)

// OAuth scopes requested by the integrations.
const (
	CalendarEventsScope = "https://www.googleapis.com/auth/calendar.events"
	GmailModifyScope    = "https://www.googleapis.com/auth/gmail.modify"
)

// Credentials is a parsed service account key restricted to a set of scopes.
type Credentials struct {
	conf *jwt.Config
}

// LoadCredentials reads a service account JSON key file.
func LoadCredentials(credentialsFile string, scopes ...string) (*Credentials, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return ParseCredentials(data, scopes...)
}

// ParseCredentials parses a service account JSON key.
func ParseCredentials(data []byte, scopes ...string) (*Credentials, error) {
	conf, err := google.JWTConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return &Credentials{conf: conf}, nil
}

// Email is the service account address.
func (c *Credentials) Email() string {
	return c.conf.Email
}

// HTTPClient returns an authenticated client. A non-empty subject makes the
// service account act on behalf of that user (domain-wide delegation), which
// Gmail requires.
func (c *Credentials) HTTPClient(ctx context.Context, subject string) *http.Client {
	conf := *c.conf
	conf.Subject = subject
	return conf.Client(ctx)
}

// Option returns an option.ClientOption for Google API service constructors.
func (c *Credentials) Option(ctx context.Context, subject string) option.ClientOption {
	return option.WithHTTPClient(c.HTTPClient(ctx, subject))
}
