package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/orgcore/usecase/bootstrap"
)

var _ bootstrap.Notifier = (*Mailer)(nil)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// InviteURL is joined with the invitation token to form the accept link.
	InviteURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer delivers invitations over SMTP. Without a configured host it only
// logs the accept link, which keeps local setups working.
type Mailer struct {
	cfg    Config
	send   sendFunc
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Mailer{cfg: cfg, send: smtp.SendMail, logger: logger}
}

type invitationView struct {
	FirstName    string
	Organization string
	Link         string
	Expires      string
}

var invitationTemplate = template.Must(template.New("invitation").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
	<p>Hi{{if .FirstName}} {{.FirstName}}{{end}},</p>
	<p>You have been invited to join <strong>{{.Organization}}</strong>.</p>
	<p><a href="{{.Link}}">Accept the invitation</a></p>
	<p>This invitation expires on {{.Expires}}.</p>
</body>
</html>
`))

func (m *Mailer) SendInvitation(ctx context.Context, msg bootstrap.InvitationMessage) error {
	link := m.link(msg.Token)
	if m.cfg.Host == "" {
		m.logger.Info("smtp not configured, invitation link logged",
			zap.String("invitation_id", msg.InvitationID),
			zap.String("email", msg.Email),
			zap.String("organization", msg.OrganizationName),
			zap.String("link", link))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := render(invitationView{
		FirstName:    msg.FirstName,
		Organization: msg.OrganizationName,
		Link:         link,
		Expires:      msg.ExpiresAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return fmt.Errorf("render invitation: %w", err)
	}

	subject := fmt.Sprintf("You have been invited to %s", msg.OrganizationName)
	raw := compose(m.cfg.From, msg.Email, subject, body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, []string{msg.Email}, raw); err != nil {
		return fmt.Errorf("send invitation to %s: %w", msg.Email, err)
	}
	m.logger.Info("invitation sent", zap.String("invitation_id", msg.InvitationID), zap.String("email", msg.Email))
	return nil
}

func (m *Mailer) link(token string) string {
	base := m.cfg.InviteURL
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + token
}

func render(view invitationView) (string, error) {
	var buf bytes.Buffer
	if err := invitationTemplate.Execute(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func compose(from, to, subject, htmlBody string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		from, to, subject, htmlBody,
	))
}
