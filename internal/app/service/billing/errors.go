package billing

import "errors"

// Sentinel error kinds. Drivers and the engine wrap these with gateway
// context; callers test with errors.Is.
var (
	// ErrPaymentInitializationFailed: the gateway rejected charge/subscription
	// creation. No transaction is created.
	ErrPaymentInitializationFailed = errors.New("payment initialization failed")

	// ErrTransactionVerificationFailed: verification call failed or the
	// reference is unknown.
	ErrTransactionVerificationFailed = errors.New("transaction verification failed")

	// ErrWebhookVerificationFailed: authenticity check failed. Must never
	// apply a state transition.
	ErrWebhookVerificationFailed = errors.New("webhook verification failed")

	// ErrSubscriptionOperationFailed: cancel/swap/sync failed at the gateway.
	// Local state remains unchanged.
	ErrSubscriptionOperationFailed = errors.New("subscription operation failed")

	// ErrUnsupportedGateway: requested driver name is not configured.
	ErrUnsupportedGateway = errors.New("unsupported gateway")
)
