package common

const (
	KEY_LAST_PRICE = "last_price:%s:%s"
)

const (
	ENDPOINT_KLINES = "/api/v3/klines"
)

const (
	HEADER_USED_WEIGHT = "X-MBX-USED-WEIGHT-1M"
	HEADER_RETRY_AFTER = "Retry-After"
)

const (
	DEFAULT_WEIGHT_CAPACITY = 1200
)
