// Package gateway implements the space supervisor and its server front.
//
// A Space owns everything session-scoped: the participant registry, the
// bounded history ring, the stream manager, and one correlation tracker and
// lifecycle controller per participant. Envelopes enter through exactly two
// doors, Submit for connected participants and Inject for the HTTP
// surface, and both run the same admission pipeline:
//
//  1. Parse and validate shape; protocol mismatches reject to the sender.
//  2. Stamp from with the authenticated participant id; a wire from that
//     disagrees is a protocol error, so identity cannot be spoofed.
//  3. Check the sender's capability grant for (kind, payload). Rejections
//     go to the sender only; no one else ever observes the envelope.
//  4. Compute recipients: the explicit to list intersected with connected
//     participants (absent ids drop silently), or everyone on broadcast,
//     sender included.
//  5. Append to history and fan out through per-participant bounded
//     outbound queues. A slow consumer loses its oldest queued envelopes
//     and, if it stays wedged, its connection; nobody else's delivery
//     is affected.
//  6. Side-route control kinds to the addressed lifecycle controllers and
//     stream kinds to the stream manager, whose data frames deliver only
//     to the session's two endpoints.
//
// Request/response is opt-in per envelope: a timeout_ms payload field arms
// the sender's correlation tracker, and exactly one of reply, timeout,
// send failure, or disconnect settles it.
//
// # Server
//
// Server fronts a Space over HTTP: WebSocket joins on /ws (token resolved
// to a participant identity before upgrade), health probes, and the
// /api/participants, /api/history, and /api/send introspection surface.
// It listens on plain TCP or joins a tailnet via tsnet.
package gateway
