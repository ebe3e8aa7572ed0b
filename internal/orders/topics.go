package orders

const (
	TopicOrderCreated        = "order.created"
	TopicPaymentAttempted    = "order.payment.attempted"
	TopicOrderPaid           = "order.paid"
	TopicFulfillmentRejected = "order.fulfillment.rejected"
	TopicStatusChanged       = "order.status.changed"
)

// Partition key = order_id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
