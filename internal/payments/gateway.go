// Package payments holds the external payment-gateway contract. The core
// opens and releases payment obligations through Gateway; confirmation
// arrives asynchronously through the signed webhook in webhook.go.
package payments

import (
	"context"

	"github.com/example/freight-dispatch/internal/models"
)

// Gateway is the external collaborator that moves money. OpenPayment
// returns the provider's reference for the obligation; Release cancels a
// hold when a job is cancelled before payment completes.
type Gateway interface {
	OpenPayment(ctx context.Context, p *models.Payment) (providerRef string, err error)
	Release(ctx context.Context, providerRef string) error
}

// NopGateway is used in local runs and tests where no provider is wired.
type NopGateway struct{}

func (NopGateway) OpenPayment(ctx context.Context, p *models.Payment) (string, error) {
	return "nop-" + p.ID, nil
}

func (NopGateway) Release(ctx context.Context, providerRef string) error { return nil }
