package types

// Gateway identifies an external payment gateway.
type Gateway string

const (
	GatewayPaystack Gateway = "paystack"
	GatewayPaypal   Gateway = "paypal"
)

// TransactionStatus is the canonical status of a payment attempt. Gateways may
// report native statuses (e.g. "abandoned"); those are stored verbatim, the
// canonical constants below are the ones the engine reasons about.
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusSuccess TransactionStatus = "success"
	TransactionStatusFailed  TransactionStatus = "failed"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
)
