package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailersend/mailersend-go"
)

type MailerSendClient struct {
	client  *mailersend.Mailersend
	from    mailersend.From
	enabled bool
}

func NewMailerSend(apiKey, fromName, fromEmail string) *MailerSendClient {
	m := &MailerSendClient{
		enabled: apiKey != "" && fromEmail != "",
		from: mailersend.From{
			Name:  fromName,
			Email: fromEmail,
		},
	}

	if m.enabled {
		m.client = mailersend.NewMailersend(apiKey)
	}

	return m
}

func (m *MailerSendClient) SendVerificationEmail(ctx context.Context, msg VerificationEmail) error {
	if !m.enabled {
		return fmt.Errorf("MailerSend not configured")
	}

	subject, text, html := render(msg)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	message := m.client.Email.NewMessage()
	message.SetFrom(m.from)
	message.SetRecipients([]mailersend.Recipient{{Name: msg.ToName, Email: msg.ToEmail}})
	message.SetSubject(subject)
	if strings.TrimSpace(text) != "" {
		message.SetText(text)
	}
	if strings.TrimSpace(html) != "" {
		message.SetHTML(html)
	}

	_, err := m.client.Email.Send(ctx, message)
	return err
}
