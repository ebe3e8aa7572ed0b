package redisx

import "time"

const (
	// Idempotency create order: idem:order:create:{merchant_id}:{idempotency_key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Order snapshot cache: order:{order_id} -> order JSON
	KeyOrderSnapshot = "order:%s"

	// Dedup processing: dedup:{scope}:{id} (scope = webhook provider or consumer name)
	KeyDedup = "dedup:%s:%s"

	// Merchant directory cache: merchant:{merchant_id} -> merchant JSON
	KeyMerchant = "merchant:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLSnapshot    = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLMerchant    = 2 * time.Minute
)
