package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioCaller places an automated voice call that speaks the alert
// message.
type TwilioCaller struct {
	client *twilio.RestClient
	from   string
	to     string
}

func NewTwilioCaller(accountSID, authToken, from, to string) (*TwilioCaller, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN environment variables are required")
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("TWILIO_PHONE_NUMBER and TARGET_PHONE_NUMBER environment variables are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioCaller{client: client, from: from, to: to}, nil
}

// Call dials the target number and speaks the message. It returns the call
// SID assigned by Twilio.
func (t *TwilioCaller) Call(ctx context.Context, message string) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(t.to)
	params.SetFrom(t.from)
	params.SetTwiml(buildAlertTwiML(message))

	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create call: %v", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("call created without SID")
	}
	return *resp.Sid, nil
}

func buildAlertTwiML(message string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<Response>\n")
	b.WriteString(`    <Say voice="alice">Security Alert. This is an automated security system calling to report a weapon detection event.</Say>` + "\n")
	b.WriteString(`    <Pause length="2"/>` + "\n")
	if message != "" {
		fmt.Fprintf(&b, `    <Say voice="alice">%s</Say>`+"\n", escapeXML(message))
		b.WriteString(`    <Pause length="2"/>` + "\n")
	}
	b.WriteString(`    <Say voice="alice">Please review the security footage immediately. This call will now end.</Say>` + "\n")
	b.WriteString("</Response>")
	return b.String()
}

func escapeXML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(s)
}
