// Package redis backs the treasury key-value contract with Redis. It holds
// cache entries, the wallet lock record, sponsorship execution markers and
// the burn-rate history shared by every treasury instance.
package redis
