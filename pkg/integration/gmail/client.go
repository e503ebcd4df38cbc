package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Service wraps the Gmail API service
type Service struct {
	srv  *gmail.Service
	user string
}

// NewService creates a Gmail service reading the mailbox of user ("me" when empty).
func NewService(ctx context.Context, user string, opts ...option.ClientOption) (*Service, error) {
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Gmail client: %w", err)
	}
	if user == "" {
		user = "me"
	}
	return &Service{srv: srv, user: user}, nil
}

// FetchUnread returns the unread messages matching query.
func (s *Service) FetchUnread(ctx context.Context, query string) ([]*gmail.Message, error) {
	q := "is:unread"
	if query != "" {
		q += " " + query
	}
	r, err := s.srv.Users.Messages.List(s.user).Q(q).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve messages: %w", err)
	}

	var messages []*gmail.Message
	for _, m := range r.Messages {
		msg, err := s.srv.Users.Messages.Get(s.user, m.Id).Format("full").Context(ctx).Do()
		if err != nil {
			continue // picked up again on the next poll
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MarkAsRead removes the UNREAD label from a message.
func (s *Service) MarkAsRead(ctx context.Context, id string) error {
	_, err := s.srv.Users.Messages.Modify(s.user, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to mark message %s as read: %w", id, err)
	}
	return nil
}

// Inquiry is an inbound contact request extracted from an email.
type Inquiry struct {
	MessageID string
	Name      string
	Email     string
	Subject   string
	Body      string
}

// InquiryFromMessage reads the sender, subject and plain text body of msg.
// Senders without a display name are named after the local part of their
// address.
func InquiryFromMessage(msg *gmail.Message) (Inquiry, error) {
	inq := Inquiry{MessageID: msg.Id}
	if msg.Payload == nil {
		return inq, fmt.Errorf("message %s has no payload", msg.Id)
	}

	var from string
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			from = h.Value
		case "subject":
			inq.Subject = strings.TrimSpace(h.Value)
		}
	}
	if from == "" {
		return inq, fmt.Errorf("message %s has no sender", msg.Id)
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return inq, fmt.Errorf("message %s: invalid sender %q: %w", msg.Id, from, err)
	}
	inq.Email = addr.Address
	inq.Name = strings.TrimSpace(addr.Name)
	if inq.Name == "" {
		local, _, _ := strings.Cut(addr.Address, "@")
		inq.Name = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	}

	inq.Body = strings.TrimSpace(GetBody(msg.Payload))
	return inq, nil
}

// GetBody returns the first text/plain body found in part or its children.
func GetBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.Body != nil && part.Body.Data != "" && (part.MimeType == "" || strings.HasPrefix(part.MimeType, "text/plain")) {
		return decodeData(part.Body.Data)
	}
	for _, p := range part.Parts {
		if body := GetBody(p); body != "" {
			return body
		}
	}
	return ""
}

func decodeData(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(decoded)
}
