package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/freight-dispatch/internal/models"
)

// StripeGateway implements Gateway with PaymentIntent manual-capture
// holds: funds are held when a job is matched and released on cancel.
type StripeGateway struct {
	Currency string
}

// NewStripeGateway initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewStripeGateway(currency string) *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "ngn"
	}
	return &StripeGateway{Currency: currency}
}

func (s *StripeGateway) OpenPayment(ctx context.Context, p *models.Payment) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(s.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("job_id", p.JobID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeGateway) Release(ctx context.Context, providerRef string) error {
	_, err := paymentintent.Cancel(providerRef, nil)
	return err
}
