// Package transfer carries message bodies that do not fit one envelope.
//
// Key features:
//   - Fragmentation into envelopes that share a RequestID and carry
//     FragmentIndex/FragmentCount
//   - Reassembly tolerant of out-of-order and duplicate fragments
//   - Optional LZ4 compression of the whole body before fragmentation,
//     signalled with protocol.FlagCompressed
//
// Encryption stays in package crypto: every fragment is sealed as an
// independent envelope.
package transfer
