package clientdata

import "time"

// Cache TTLs, added to time.Now() when storing to compute expires_at.
// Expired rows stay readable through Get until cleanup removes them,
// which is the window in which clients can fall back to stale data.
const (
	// TTLExchangeRate bounds how long a fiat/USD rate is served without
	// revalidation.
	TTLExchangeRate = time.Hour
)
