package audithook

// Action constants for audit events.
const (
	// Subscription actions
	ActionSubscriptionCreated    = "subscription.created"
	ActionSubscriptionActivated  = "subscription.activated"
	ActionSubscriptionPastDue    = "subscription.past_due"
	ActionSubscriptionCanceled   = "subscription.canceled"
	ActionSubscriptionExpired    = "subscription.expired"
	ActionSubscriptionUpgraded   = "subscription.upgraded"
	ActionSubscriptionDowngraded = "subscription.downgraded"

	// Invoice actions
	ActionInvoiceAppended = "invoice.appended"
	ActionInvoicePaid     = "invoice.paid"
	ActionInvoiceFailed   = "invoice.failed"

	// Webhook actions
	ActionWebhookProcessed = "webhook.processed"
)

// Resource constants for audit events.
const (
	ResourceSubscription = "subscription"
	ResourceInvoice      = "invoice"
	ResourceWebhook      = "webhook"
)

// Category constants for audit events.
const (
	CategorySubscription = "subscription"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
