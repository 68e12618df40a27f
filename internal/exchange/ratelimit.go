// ratelimit.go caps outbound request rates for the spot REST API.
//
// The venue enforces separate limits for order placement, cancellation and
// market-data reads, so each category gets its own token bucket. Buckets
// refill continuously (rather than in window bursts) so a steady caller
// never slams into the hard limit, and Wait blocks fairly when a burst
// exhausts a bucket.
package exchange

import "golang.org/x/time/rate"

// RateLimiter groups per-category limiters for the spot REST API. Each
// REST call must Wait on the matching limiter before the HTTP request
// goes out.
type RateLimiter struct {
	Order  *rate.Limiter // POST /api/v3/order
	Cancel *rate.Limiter // DELETE /api/v3/order
	Book   *rate.Limiter // GET /api/v3/depth and other market-data reads
}

// NewRateLimiter creates limiters tuned below the venue's published order
// and request-weight limits, leaving headroom for other API consumers on
// the same account.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  rate.NewLimiter(rate.Limit(8), 50),
		Cancel: rate.NewLimiter(rate.Limit(8), 50),
		Book:   rate.NewLimiter(rate.Limit(20), 100),
	}
}
