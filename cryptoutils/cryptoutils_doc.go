// Package cryptoutils provides the cryptographic building blocks of the device agent.
//
// # Firmware Integrity
//
// CRC32 is a streaming CRC-32 accumulator (initial value 0xFFFFFFFF, reflected
// polynomial 0xEDB88320, final XOR 0xFFFFFFFF), bit-exact with zlib's crc32.
// It implements hash.Hash32 so it can be fed with io.Copy.
//
// # TLS Identity
//
// ClientTLSConfig trusts a single root bundle, used for the provisioning server.
// MutualTLSConfig turns a provisioned CredentialSet into a client config for the
// command channel. Unusable material is reported as interfaces.AuthError, and
// ClassifyTLSError separates certificate rejections from transport failures.
//
// # Credentials at Rest
//
// DeriveSealingKey (Argon2id) and Seal/Unseal (AES-GCM) back the sealed storage
// backend. The sealed format is:
//
//	[nonce (12 bytes)][ciphertext + GCM tag]
package cryptoutils
