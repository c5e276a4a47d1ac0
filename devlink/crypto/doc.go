// Package crypto implements the per-message encryption envelope of devlink.
//
// Wire format of an encrypted message:
//
//	header     (40 bytes, MessageLength counts everything after the header)
//	ciphertext (AES-128-CBC of uint32 length || body)
//	hmac       (HMAC-SHA256, 32 bytes, present iff FlagHasHMAC)
//
// Design:
//   - One 64-byte secret per session, split into payload, IV and MAC keys
//   - No IV on the wire: it is derived from SessionID, SequenceNumber,
//     FragmentIndex and FragmentCount, so both ends compute it independently
//   - PKCS#7 padding, omitted when the plaintext is already block aligned
//   - The MAC covers the header with MessageLength excluding the MAC itself;
//     the transmitted header carries the length including it
//   - A Cryptor holds no per-message state and is safe for concurrent use
package crypto
