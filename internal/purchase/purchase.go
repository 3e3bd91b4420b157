// Package purchase sells coins for real money through Stripe Checkout.
// Coins are only credited from the webhook, never from the redirect: the
// checkout session ID doubles as the ledger idempotency key, so Stripe's
// at-least-once webhook delivery credits each purchase exactly once.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/starlit-live/walletcore/internal/circuitbreaker"
	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/traces"
	"github.com/starlit-live/walletcore/internal/wallet"
)

var (
	ErrUnknownPackage    = errors.New("unknown coin package")
	ErrStripeUnavailable = errors.New("payment provider temporarily unavailable")
)

// stripeBreakerKey is the circuit breaker key for outbound Stripe calls.
const stripeBreakerKey = "stripe"

// Package is a purchasable coin bundle.
type Package struct {
	ID       string `json:"id"`
	Coins    int64  `json:"coins"`
	USDCents int64  `json:"usdCents"`
}

// DefaultPackages is the storefront catalog. Prices follow the platform
// rate with a volume discount on the larger bundles.
var DefaultPackages = []Package{
	{ID: "coins_500", Coins: 500, USDCents: 499},
	{ID: "coins_1200", Coins: 1200, USDCents: 999},
	{ID: "coins_2500", Coins: 2500, USDCents: 1999},
	{ID: "coins_6500", Coins: 6500, USDCents: 4999},
}

// Service creates checkout sessions and processes Stripe webhooks.
type Service struct {
	wallets       *wallet.Service
	webhookSecret string
	packages      map[string]Package
	breaker       *circuitbreaker.Breaker
}

// NewService creates a purchase service. apiKey configures the global
// Stripe client.
func NewService(wallets *wallet.Service, apiKey, webhookSecret string) *Service {
	stripe.Key = apiKey
	pkgs := make(map[string]Package, len(DefaultPackages))
	for _, p := range DefaultPackages {
		pkgs[p.ID] = p
	}
	return &Service{
		wallets:       wallets,
		webhookSecret: webhookSecret,
		packages:      pkgs,
		breaker:       circuitbreaker.New(5, 30*time.Second),
	}
}

// Packages returns the catalog.
func (s *Service) Packages() []Package {
	return DefaultPackages
}

// CreateCheckout starts a Stripe Checkout session for a coin package.
func (s *Service) CreateCheckout(ctx context.Context, userID, packageID, successURL, cancelURL string) (string, error) {
	pkg, ok := s.packages[packageID]
	if !ok {
		return "", ErrUnknownPackage
	}

	ctx, span := traces.StartSpan(ctx, "purchase.CreateCheckout",
		traces.UserID(userID), traces.Amount(pkg.Coins))
	defer span.End()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(pkg.USDCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("%d coins", pkg.Coins)),
				},
			},
		}},
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("coins", strconv.FormatInt(pkg.Coins, 10))
	params.AddMetadata("package_id", pkg.ID)

	if !s.breaker.Allow(stripeBreakerKey) {
		return "", ErrStripeUnavailable
	}
	sess, err := checkoutsession.New(params)
	if err != nil {
		s.breaker.RecordFailure(stripeBreakerKey)
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	s.breaker.RecordSuccess(stripeBreakerKey)
	checkoutsCreated.Inc()
	logging.L(ctx).Info("checkout session created",
		"user_id", userID, "package", pkg.ID, "session_id", sess.ID)
	return sess.URL, nil
}

// HandleWebhook verifies and processes a Stripe webhook payload. Unhandled
// event types are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		webhookFailures.Inc()
		return fmt.Errorf("verify webhook signature: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		webhookFailures.Inc()
		return fmt.Errorf("decode checkout session: %w", err)
	}

	userID := sess.ClientReferenceID
	coins, err := strconv.ParseInt(sess.Metadata["coins"], 10, 64)
	if err != nil || userID == "" || coins <= 0 {
		webhookFailures.Inc()
		return fmt.Errorf("checkout session %s missing purchase metadata", sess.ID)
	}

	_, err = s.wallets.Credit(ctx, userID, coins, wallet.TypePurchase, sess.ID,
		fmt.Sprintf("purchase of %s coins", sess.Metadata["package_id"]),
		map[string]string{"stripe_session_id": sess.ID, "package_id": sess.Metadata["package_id"]})
	if err != nil {
		webhookFailures.Inc()
		return err
	}

	coinsPurchased.Add(float64(coins))
	logging.L(ctx).Info("purchase credited",
		"user_id", userID, "coins", coins, "session_id", sess.ID)
	return nil
}
