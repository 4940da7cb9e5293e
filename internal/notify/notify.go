// Package notify delivers share notifications over SMTP. Delivery is
// best effort: a failed send is logged, never retried, and never fails
// the share operation that triggered it.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	// send is swappable for tests.
	send func(server string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if notifications are configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// ShareNotification describes one newly-granted individual. Team
// subjects are expanded to individuals before this point.
type ShareNotification struct {
	RecipientEmail string
	RecipientName  string
	GrantedByName  string
	ResourceName   string
	Level          string
}

// SendShareNotifications sends one message per recipient. Failures are
// logged and skipped; the returned count is the number delivered.
func (s *Service) SendShareNotifications(notifications []ShareNotification) int {
	if !s.IsConfigured() {
		if len(notifications) > 0 {
			log.Printf("notify: SMTP not configured, skipping %d notifications", len(notifications))
		}
		return 0
	}

	sent := 0
	for _, n := range notifications {
		if err := s.sendOne(n); err != nil {
			log.Printf("notify: send to %s: %v", n.RecipientEmail, err)
			continue
		}
		sent++
	}
	return sent
}

func (s *Service) sendOne(n ShareNotification) error {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	subject := fmt.Sprintf("%s shared %q with you", n.GrantedByName, n.ResourceName)
	body := fmt.Sprintf(
		"Hi %s,\r\n\r\n%s gave you %s access to %q.\r\n\r\nOpen it from your workspace to start %s.\r\n",
		n.RecipientName, n.GrantedByName, n.Level, n.ResourceName, verbFor(n.Level),
	)

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join([]string{n.RecipientEmail}, ", "),
		from,
		subject,
		body,
	))

	return s.send(s.server, s.auth, s.config.From, []string{n.RecipientEmail}, msg)
}

func verbFor(level string) string {
	switch level {
	case "editor", "write":
		return "editing"
	default:
		return "reading"
	}
}
