package notify

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func testService(sendFn func(string, smtp.Auth, string, []string, []byte) error) *Service {
	s := NewService(Config{
		Host:     "smtp.test",
		Port:     "587",
		From:     "noreply@inkwell.dev",
		FromName: "Inkwell",
	})
	s.send = sendFn
	return s
}

func TestIsConfigured(t *testing.T) {
	if NewService(Config{}).IsConfigured() {
		t.Fatal("empty config reported configured")
	}
	if !testService(nil).IsConfigured() {
		t.Fatal("full config reported unconfigured")
	}
}

func TestSendShareNotifications(t *testing.T) {
	var sentTo []string
	var lastMsg string
	s := testService(func(_ string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		sentTo = append(sentTo, to...)
		lastMsg = string(msg)
		return nil
	})

	sent := s.SendShareNotifications([]ShareNotification{
		{RecipientEmail: "b@x.dev", RecipientName: "Blair", GrantedByName: "Avery", ResourceName: "Q3 Plan", Level: "editor"},
		{RecipientEmail: "c@x.dev", RecipientName: "Casey", GrantedByName: "Avery", ResourceName: "Q3 Plan", Level: "viewer"},
	})
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if len(sentTo) != 2 || sentTo[0] != "b@x.dev" || sentTo[1] != "c@x.dev" {
		t.Fatalf("recipients = %v", sentTo)
	}
	if !strings.Contains(lastMsg, "viewer access") || !strings.Contains(lastMsg, "Q3 Plan") {
		t.Fatalf("message body missing details: %q", lastMsg)
	}
}

func TestFailuresLoggedNotRetried(t *testing.T) {
	calls := 0
	s := testService(func(_ string, _ smtp.Auth, _ string, to []string, _ []byte) error {
		calls++
		if to[0] == "bad@x.dev" {
			return errors.New("mailbox unavailable")
		}
		return nil
	})

	sent := s.SendShareNotifications([]ShareNotification{
		{RecipientEmail: "bad@x.dev"},
		{RecipientEmail: "good@x.dev"},
	})
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	// One attempt each; the failure is not retried.
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestUnconfiguredSendsNothing(t *testing.T) {
	s := NewService(Config{})
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send called without configuration")
		return nil
	}
	if sent := s.SendShareNotifications([]ShareNotification{{RecipientEmail: "a@x.dev"}}); sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
}
