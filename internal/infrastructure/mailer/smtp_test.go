package mailer

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fastygo/orgcore/usecase/bootstrap"
)

func message() bootstrap.InvitationMessage {
	return bootstrap.InvitationMessage{
		InvitationID:     "inv-1",
		OrganizationName: "Acme <Corp>",
		Email:            "ada@acme.test",
		FirstName:        "Ada",
		Token:            "tok123",
		ExpiresAt:        time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSendInvitationOverSMTP(t *testing.T) {
	m := New(Config{Host: "smtp.local", Username: "u", Password: "p", From: "noreply@orgcore.test", InviteURL: "https://app.test/invite"}, nil)

	var gotAddr string
	var gotTo []string
	var gotMsg string
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		if a == nil {
			t.Error("expected plain auth")
		}
		return nil
	}

	if err := m.SendInvitation(context.Background(), message()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.local:587" || len(gotTo) != 1 || gotTo[0] != "ada@acme.test" {
		t.Fatalf("unexpected envelope %s %v", gotAddr, gotTo)
	}
	if !strings.Contains(gotMsg, "https://app.test/invite/tok123") {
		t.Fatalf("expected accept link in body:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "Acme &lt;Corp&gt;") {
		t.Fatalf("expected organization name to be escaped:\n%s", gotMsg)
	}
}

func TestSendInvitationWrapsFailures(t *testing.T) {
	m := New(Config{Host: "smtp.local"}, nil)
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	if err := m.SendInvitation(context.Background(), message()); err == nil || !strings.Contains(err.Error(), "ada@acme.test") {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestSendInvitationLogsWithoutHost(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := New(Config{InviteURL: "https://app.test/invite/"}, zap.New(core))
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("smtp must not be used without a host")
		return nil
	}
	if err := m.SendInvitation(context.Background(), message()); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := logs.FilterField(zap.String("link", "https://app.test/invite/tok123")).All()
	if len(entries) != 1 {
		t.Fatalf("expected logged invitation link, got %v", logs.All())
	}
}
