// services/notification_gateway.go
package services

import (
	"context"
	"fmt"
	"html"
)

// NotificationGateway sends the applicant-facing emails of the workflow. Each call is
// individually fallible and never affects workflow state.
type NotificationGateway interface {
	SendVerification(ctx context.Context, email, link string) error
	SendApproval(ctx context.Context, email, partnerID string) error
	SendRejection(ctx context.Context, email, reason string) error
}

type EmailNotificationGateway struct {
	Mailer Mailer
}

func NewEmailNotificationGateway(mailer Mailer) *EmailNotificationGateway {
	return &EmailNotificationGateway{Mailer: mailer}
}

func (g *EmailNotificationGateway) SendVerification(ctx context.Context, email, link string) error {
	body := fmt.Sprintf(`
		<p style="font-size: 16px; color: #333;">
			Thanks for applying to our referral partner program.<br><br>
			Please confirm your email address to send your application for review:
		</p>
		<p><a href="%s" style="background-color: #2E86C1; color: #ffffff; padding: 10px 18px; border-radius: 4px; text-decoration: none;">Verify my email</a></p>
		<p style="font-size: 14px; color: #666;">This link expires in 24 hours and can only be used once.</p>`,
		html.EscapeString(link))
	return g.Mailer.Send(ctx, email, "Confirm your partner application", wrapEmail("Confirm your email", body))
}

func (g *EmailNotificationGateway) SendApproval(ctx context.Context, email, partnerID string) error {
	body := fmt.Sprintf(`
		<p style="font-size: 16px; color: #333;">
			Good news: your partner application has been approved and your referral agreement is active.<br><br>
			Partner ID: <strong>%s</strong>
		</p>`, html.EscapeString(partnerID))
	return g.Mailer.Send(ctx, email, "Your partner application was approved", wrapEmail("Welcome aboard", body))
}

func (g *EmailNotificationGateway) SendRejection(ctx context.Context, email, reason string) error {
	body := fmt.Sprintf(`
		<p style="font-size: 16px; color: #333;">
			Thank you for your interest in our referral partner program. After review we are unable to approve your application.<br><br>
			Reason: <strong>%s</strong>
		</p>`, html.EscapeString(reason))
	return g.Mailer.Send(ctx, email, "Update on your partner application", wrapEmail("Application update", body))
}

func wrapEmail(title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: Arial, sans-serif; background-color: #f9f9f9; padding: 20px;">
	<div style="max-width: 600px; background-color: #ffffff; padding: 20px; border-radius: 8px; box-shadow: 0px 2px 5px rgba(0,0,0,0.1);">
		<h2 style="color: #2E86C1;">%s</h2>
		%s
		<p style="margin-top: 30px; font-size: 14px; color: #999999;">Partner Success Team</p>
	</div>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), body)
}
