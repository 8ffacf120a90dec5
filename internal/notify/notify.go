// Package notify delivers operational messages to the experiment owner.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
)

// Messenger sends one message to the experiment owner.
type Messenger interface {
	Send(subject, body string) error
}

// LoggingMessenger writes messages to the log instead of emailing them.
// Used in dev mode or whenever email settings are incomplete.
type LoggingMessenger struct{}

func (LoggingMessenger) Send(subject, body string) error {
	log.Printf("admin notification: %s\n%s", subject, body)
	return nil
}

// SMTPMessenger emails the experiment owner.
type SMTPMessenger struct {
	host      string
	username  string
	password  string
	sender    string
	recipient string
}

func (m *SMTPMessenger) Send(subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.sender,
		"To: " + m.recipient,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")
	host := m.host
	if !strings.Contains(host, ":") {
		host += ":587"
	}
	auth := smtp.PlainAuth("", m.username, m.password, strings.Split(host, ":")[0])
	if err := smtp.SendMail(host, auth, m.sender, []string{m.recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("send admin email: %w", err)
	}
	return nil
}

// FromConfig returns an SMTP messenger when email settings are complete and
// we are not in dev mode; otherwise a logging messenger.
func FromConfig(cfg config.Config) Messenger {
	if cfg.Env == "dev" || cfg.SMTPHost == "" || cfg.AdminEmail == "" {
		return LoggingMessenger{}
	}
	return &SMTPMessenger{
		host:      cfg.SMTPHost,
		username:  cfg.SMTPUsername,
		password:  cfg.SMTPPassword,
		sender:    cfg.AdminEmail,
		recipient: cfg.AdminEmail,
	}
}

// ResubmittedMessage describes a completion notification that was lost and
// has been replayed automatically. Minor, auto-corrected.
func ResubmittedMessage(assignmentID string, allowedMinutes, activeMinutes float64) (string, string) {
	subject := "Automated recruitment email - minor error."
	body := fmt.Sprintf(
		"The platform discovered evidence that a completion notification for an "+
			"assignment failed to arrive. The marketplace reports the assignment as "+
			"submitted, so a replacement notification was created and processed. This "+
			"is a non-fatal error, but you may wish to check the database.\n\n"+
			"Assignment: %s\nAllowed time (minutes): %.0f\nTime since participant started: %.0f\n",
		assignmentID, allowedMinutes, activeMinutes)
	return subject, body
}

// CancelledMessage describes an assignment with no record of submission on
// the marketplace. Serious: recruiting is paused until the owner intervenes.
func CancelledMessage(assignmentID string, allowedMinutes, activeMinutes float64) (string, string) {
	subject := "Automated recruitment email - major error."
	body := fmt.Sprintf(
		"The platform discovered evidence that a notification for an assignment "+
			"failed to arrive, and the marketplace has no record of a submission for "+
			"it. Recruitment has been paused: auto-recruit is disabled and the batch "+
			"has been expired. Participants currently working can finish, but no "+
			"further participants will be recruited until you intervene.\n\n"+
			"Assignment: %s\nAllowed time (minutes): %.0f\nTime since participant started: %.0f\n",
		assignmentID, allowedMinutes, activeMinutes)
	return subject, body
}
