// Package fap owns the FAP wire contract shared by the handshake, the
// demultiplexer and the post-handshake listeners.
//
// Ownership boundary:
//   - handshake field ids and their fixed lengths
//   - connection types, capability bits, product ids and usage selectors
//   - segment type identifiers
//   - the TLV field codec (fieldID:16 | length:16 | payload, big-endian)
package fap
