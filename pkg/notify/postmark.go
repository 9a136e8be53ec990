package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

// Config holds Postmark credentials and sender identity.
type Config struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail  string `env:"BILLING_SENDER_EMAIL" envDefault:"billing@fanward.app"`
}

var ErrFailedToSend = errors.New("failed to send notification email")

// PostmarkNotifier sends billing emails through Postmark's
// transactional API.
type PostmarkNotifier struct {
	client *postmark.Client
	config Config
}

// NewPostmarkNotifier creates a Postmark-backed notifier.
func NewPostmarkNotifier(cfg Config) (*PostmarkNotifier, error) {
	if cfg.ServerToken == "" || cfg.AccountToken == "" {
		return nil, errors.New("postmark tokens are required")
	}
	return &PostmarkNotifier{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		config: cfg,
	}, nil
}

func (n *PostmarkNotifier) send(ctx context.Context, to, subject, tag, htmlBody string) error {
	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:       n.config.SenderEmail,
		To:         to,
		Subject:    subject,
		Tag:        tag,
		HTMLBody:   htmlBody,
		TrackOpens: true,
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSend,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

func (n *PostmarkNotifier) SendRenewalReminder(ctx context.Context, p RenewalReminder) error {
	body := fmt.Sprintf(
		"<p>Your <strong>%s</strong> subscription to %s renews on %s for %s %s.</p>",
		p.TierName, p.ArtistName, p.RenewsAt, p.Amount.String(), p.Amount.Currency)
	return n.send(ctx, p.Email,
		fmt.Sprintf("Your %s subscription renews soon", p.ArtistName),
		"billing-reminder", body)
}

func (n *PostmarkNotifier) SendPaymentFailed(ctx context.Context, p PaymentFailedNotice) error {
	body := fmt.Sprintf(
		"<p>We could not collect %s %s for your subscription to %s.</p><p>We will retry on %s. Please check your payment method.</p>",
		p.AmountDue.String(), p.AmountDue.Currency, p.ArtistName, p.RetryAt)
	return n.send(ctx, p.Email, "Payment failed - action needed", "payment-failed", body)
}

func (n *PostmarkNotifier) SendTierChanged(ctx context.Context, p TierChangedNotice) error {
	body := fmt.Sprintf(
		"<p>Your subscription is now on the <strong>%s</strong> tier at %s %s per month.</p>",
		p.TierName, p.NewAmount.String(), p.NewAmount.Currency)
	if !p.Proration.IsZero() {
		body += fmt.Sprintf("<p>A prorated adjustment of %s %s was applied to your next invoice.</p>",
			p.Proration.String(), p.Proration.Currency)
	}
	return n.send(ctx, p.Email, "Your subscription tier changed", "tier-changed", body)
}
