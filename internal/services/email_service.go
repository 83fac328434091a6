package services

import (
	"context"
	"fmt"
	"html"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// sesAPI is the part of the SESv2 client the service uses
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailService handles email sending via AWS SES (SESv2 API)
type EmailService struct {
	sesClient sesAPI
	fromEmail string
	replyTo   string
	// configSet routes delivery and engagement events to the SNS topic behind the webhook
	configSet string
}

// NewEmailService creates a new email service instance using AWS SDK (role-based)
func NewEmailService(cfg aws.Config, fromEmail, replyTo string) *EmailService {
	return &EmailService{
		sesClient: sesv2.NewFromConfig(cfg),
		fromEmail: fromEmail,
		replyTo:   replyTo,
	}
}

// WithConfigurationSet sends through an SES configuration set
func (e *EmailService) WithConfigurationSet(name string) *EmailService {
	e.configSet = name
	return e
}

// SendDecisionLink mails the sponsorship decision link to an AMO organization and
// returns the SES message id
func (e *EmailService) SendDecisionLink(ctx context.Context, msg models.DecisionLinkEmail) (string, error) {
	subject := "Demande d'accompagnement - " + msg.ApplicantName
	return e.sendEmail(ctx, msg.To, subject, generateDecisionLinkHTML(msg))
}

// sendEmail sends an email via AWS SESv2 using the instance role
func (e *EmailService) sendEmail(ctx context.Context, toEmail, subject, htmlBody string) (string, error) {
	if e.fromEmail == "" {
		return "", fmt.Errorf("SES_FROM_EMAIL is not set")
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(e.fromEmail),
		Destination:      &sestypes.Destination{ToAddresses: []string{toEmail}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body:    &sestypes.Body{Html: &sestypes.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")}},
			},
		},
	}
	if e.replyTo != "" {
		input.ReplyToAddresses = []string{e.replyTo}
	}
	if e.configSet != "" {
		input.ConfigurationSetName = aws.String(e.configSet)
	}
	out, err := e.sesClient.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	id := aws.ToString(out.MessageId)
	log.Printf("[EMAIL] Sent %q to %s, message id %s", subject, toEmail, id)
	return id, nil
}

// generateDecisionLinkHTML creates the HTML body of the decision link email
func generateDecisionLinkHTML(msg models.DecisionLinkEmail) string {
	return fmt.Sprintf(`
<!DOCTYPE html>
<html lang="fr">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Demande d'accompagnement</title>
    <style>
        body {
            font-family: Marianne, Arial, sans-serif;
            line-height: 1.6;
            color: #161616;
            max-width: 600px;
            margin: 0 auto;
            padding: 20px;
        }
        .button {
            display: inline-block;
            background-color: #000091;
            color: #ffffff;
            padding: 12px 24px;
            text-decoration: none;
        }
        .footer {
            color: #666;
            font-size: 12px;
            margin-top: 30px;
        }
    </style>
</head>
<body>
    <p>Bonjour %s,</p>
    <p>%s souhaite être accompagné(e) par votre structure dans le cadre du fonds de prévention du retrait-gonflement des argiles.</p>
    <p>Merci d'indiquer si vous acceptez cet accompagnement et si le demandeur vous semble éligible :</p>
    <p><a class="button" href="%s">Répondre à la demande</a></p>
    <p class="footer">Ce lien est à usage unique et expire le %s (UTC).<br>
    Si vous n'êtes pas concerné par cette demande, vous pouvez ignorer cet email.</p>
</body>
</html>`,
		html.EscapeString(msg.OrganizationName),
		html.EscapeString(msg.ApplicantName),
		html.EscapeString(msg.Link),
		msg.ExpiresAt.UTC().Format("02/01/2006 15:04"),
	)
}
