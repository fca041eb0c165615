package rfc9111

import "time"

// §  4.2.  Freshness
// §
// §     A "fresh" response is one whose age has not yet exceeded its
// §     freshness lifetime.  Conversely, a "stale" response is one where it
// §     has.
// §
// §     A response's "age" is the time that has passed since it was generated
// §     by, or successfully validated with, the origin server.

// §     The calculation to determine if a response is fresh is:
// §
// §        response_is_fresh = (freshness_lifetime > current_age)
//
// The age here is measured from when the cache stored or last validated the
// response, since origin Date and Age fields are not tracked.
func IsFresh(freshnessLifetime, currentAge time.Duration) bool {
	return freshnessLifetime > currentAge
}

// §  4.2.1.  Calculating Freshness Lifetime
// §
// §     A cache can calculate the freshness lifetime (denoted as
// §     freshness_lifetime) of a response by evaluating the following rules
// §     and using the first match:
func FreshnessLifetime(cc CacheControl, heuristic time.Duration) time.Duration {
	// §     *  If the max-age response directive (Section 5.2.2.1) is present,
	// §        use its value, or
	if val, ok := cc.MaxAge(); ok {
		return val
	}
	// §     *  Otherwise, no explicit expiration time is present in the response.
	// §        A heuristic freshness lifetime might be applicable; see
	// §        Section 4.2.2.
	//
	// the heuristic is a fixed, configured lifetime,
	// also used when max-age is malformed
	return heuristic
}
