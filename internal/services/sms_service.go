package services

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SmsService handles sending SMS messages via AWS SNS.
type SmsService struct {
	client snsAPI
}

// NewSmsService creates a new SMS service client.
func NewSmsService(cfg aws.Config) *SmsService {
	return &SmsService{client: sns.NewFromConfig(cfg)}
}

// decisionMessages are the texts sent to the applicant for each decision
var decisionMessages = map[models.SponsorshipStatus]string{
	models.SponsorshipApplicantEligible:   "Bonne nouvelle : votre demande d'accompagnement a été acceptée. Connectez-vous pour poursuivre votre parcours.",
	models.SponsorshipApplicantIneligible: "Votre demande d'accompagnement a reçu une réponse. Connectez-vous pour consulter le motif.",
	models.SponsorshipDeclined:            "La structure sollicitée ne peut pas vous accompagner. Connectez-vous pour choisir une autre structure.",
}

// NotifyDecision tells the applicant that the AMO organization answered
func (s *SmsService) NotifyDecision(ctx context.Context, phone string, status models.SponsorshipStatus) error {
	msg, ok := decisionMessages[status]
	if !ok {
		return fmt.Errorf("no message for status %s", status)
	}
	return s.SendSMS(ctx, phone, msg)
}

// SendSMS sends a message to a phone number.
// The phone number must be in E.164 format (e.g., +33612345678).
func (s *SmsService) SendSMS(ctx context.Context, phoneNumber, message string) error {
	input := &sns.PublishInput{
		Message:     aws.String(message),
		PhoneNumber: aws.String(phoneNumber),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		log.Printf("[SMS] Failed to send SMS: %v", err)
		return err
	}

	log.Printf("[SMS] Sent decision notice. Message ID: %s", aws.ToString(result.MessageId))
	return nil
}
