// Package stream manages side-channel sessions negotiated between two
// participants: request, open, scoped data delivery, and idempotent close.
// Frame contents and framing semantics are opaque payload concerns.
package stream
