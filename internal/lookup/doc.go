// Package lookup is the HTTP client for the remote measurement platform.
//
// The platform answers IP->AS and IP->geo mappings, pairwise AS relationships
// and the public address of the caller, and accepts AS-level traceroute
// uploads. All operations are plain request/response calls; batching, retry
// and memoization are left to callers such as ascache and classify.
//
// Requests can be routed through a SOCKS5 proxy, are rate limited with
// golang.org/x/time/rate and carry an optional API key header.
package lookup
