// Package devlink provides authenticated, encrypted message envelopes for
// peers that share a session secret.
//
// Every message starts with a fixed 40-byte header (package protocol). When a
// message is session encrypted its body is AES-CBC encrypted under an IV
// derived from the header and followed by an HMAC-SHA256 over the header and
// ciphertext (package crypto). Bodies larger than one envelope are fragmented
// and optionally LZ4 compressed (package transfer), and envelopes travel over
// a QUIC stream (package transport/quic).
package devlink
