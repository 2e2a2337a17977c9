// Package httpx holds the HTTP plumbing shared by every anvil listener:
// structured request logging, Prometheus request metrics and JSON replies.
package httpx
