// Package dedupe provides a TTL seen-cache for inbound platform events.
package dedupe
