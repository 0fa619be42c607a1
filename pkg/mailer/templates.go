package mailer

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// LoginCode is the email carrying the one-time login code.
func LoginCode(to, code string, ttl time.Duration) (Message, error) {
	data := map[string]any{"Code": code, "Minutes": int(ttl.Minutes())}
	html, err := render("login_code.html", data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: "Your exa login code",
		HTML:    html,
		Text:    fmt.Sprintf("Your login code is %s. It expires in %d minutes.", code, int(ttl.Minutes())),
	}, nil
}

// PasswordReset is the email carrying the reset link.
func PasswordReset(to, link string, ttl time.Duration) (Message, error) {
	data := map[string]any{"Link": link, "Minutes": int(ttl.Minutes())}
	html, err := render("password_reset.html", data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: "Reset your exa password",
		HTML:    html,
		Text:    fmt.Sprintf("Reset your password: %s (expires in %d minutes)", link, int(ttl.Minutes())),
	}, nil
}

// Invitation is the email inviting someone to join a business.
func Invitation(to, businessName, inviter, link string) (Message, error) {
	data := map[string]any{"Business": businessName, "Inviter": inviter, "Link": link}
	html, err := render("invitation.html", data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("You have been invited to %s on exa", businessName),
		HTML:    html,
		Text:    fmt.Sprintf("%s invited you to join %s: %s", inviter, businessName, link),
	}, nil
}
