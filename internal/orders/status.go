package orders

// Status is the business state of an order.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPaymentProcessing Status = "payment_processing"
	StatusPaid              Status = "paid"
	StatusProcessing        Status = "processing"
	StatusShipped           Status = "shipped"
	StatusDelivered         Status = "delivered"
	StatusPaymentFailed     Status = "payment_failed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
)

// validNext is the order graph. payment_processing -> payment_failed is the
// decline path taken by confirm and by a failed-payment webhook.
var validNext = map[Status]map[Status]bool{
	StatusPending:           {StatusPaymentProcessing: true, StatusPaymentFailed: true},
	StatusPaymentProcessing: {StatusPaid: true, StatusPaymentFailed: true},
	StatusPaid:              {StatusProcessing: true, StatusCancelled: true, StatusRefunded: true},
	StatusProcessing:        {StatusShipped: true, StatusCancelled: true},
	StatusShipped:           {StatusDelivered: true},
	StatusDelivered:         {},
	StatusPaymentFailed:     {},
	StatusCancelled:         {},
	StatusRefunded:          {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

func (s Status) String() string { return string(s) }

// PaymentStatus is the PSP-facing sub-state.
type PaymentStatus string

const (
	PaymentUnpaid               PaymentStatus = "unpaid"
	PaymentRequiresConfirmation PaymentStatus = "requires_confirmation"
	PaymentRequiresAction       PaymentStatus = "requires_action"
	PaymentSucceeded            PaymentStatus = "succeeded"
	PaymentFailed               PaymentStatus = "failed"
	PaymentRefunded             PaymentStatus = "refunded"
)

// FulfillmentStatus is the storefront-facing sub-state, empty until paid.
type FulfillmentStatus string

const (
	FulfillmentNone       FulfillmentStatus = ""
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentRejected   FulfillmentStatus = "rejected"
	FulfillmentSubmitting FulfillmentStatus = "submitting"
	FulfillmentSubmitted  FulfillmentStatus = "submitted"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)
