// Package lightstreamer implements the client-side core of a
// real-time data streaming library speaking the Text-based Live
// Connections Protocol (TLCP) v2.4.0 over a full-duplex, text-framed
// WebSocket transport.
//
// The core establishes and maintains a streaming session with a
// server, multiplexes one or more MERGE-mode subscriptions over that
// session, decodes incremental field updates, reconstructs per-item
// field state, and delivers materialized updates to
// application-provided listeners. See DESIGN.md and SPEC_FULL.md in
// the module root for the full design.
package lightstreamer
