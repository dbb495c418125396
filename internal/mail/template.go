package mail

import (
	"bytes"
	_ "embed"
	"html/template"
)

//go:embed verification_email.html
var verificationEmailHTML string

var verificationTmpl = template.Must(template.New("verification_email").Parse(verificationEmailHTML))

// RenderVerificationBody renders the HTML body carrying the one-time code.
func RenderVerificationBody(botName, code string) (string, error) {
	var buf bytes.Buffer
	err := verificationTmpl.Execute(&buf, struct {
		BotName string
		Code    string
	}{BotName: botName, Code: code})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
