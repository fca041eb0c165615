package rfc9111

import "net/http"

// § 3.  Storing Responses in Caches
//
// This cache stores a deliberately small subset of what the section allows:
// only complete 200 responses that do not carry no-store.
func MustNotStore(statusCode int, cc CacheControl) bool {
	// §    A cache MUST NOT store a response to a request unless:
	// §      *  the request method is understood by the cache;
	//
	// only GET reaches the cache
	//
	// §      *  the response status code is final (see Section 15 of [HTTP]);
	// §      *  if the response status code is 206 or 304, or the must-understand
	// §         cache directive (see Section 5.2.2.3) is present: the cache
	// §         understands the response status code;
	if !responseStatusCodeIsUnderstood(statusCode) {
		return true
	}
	// §      *  the no-store cache directive is not present in the response (see
	// §         Section 5.2.2.5);
	return cc.NoStore()
}

// §  In this context, a cache has "understood" a request method or a
// §  response status code if it recognizes it and implements all specified
// §  caching-related behavior.
//
// A 404 is final, but caching it would keep a transient absence alive.
func responseStatusCodeIsUnderstood(statusCode int) bool {
	return statusCode == http.StatusOK
}
