// Package storage keeps the device credential set on pluggable key-value backends.
//
// CredentialStore is the only writer of the "certs" namespace. It guarantees that
// the four credential keys (root_ca, device_cert, private_key, public_key) are
// either all present or all absent as seen by readers.
//
// # Backends
//
// Backends are selected with a location URI:
//
//	file:///var/lib/device-agent
//	sqlite:///var/lib/device-agent/agent.db
//	vault://vault.example.com:8200/secret/devices/ESP32-001
//	memory://
//
// File, SQLite, Vault and memory backends all swap a namespace in one step
// (directory rename, transaction, single KV v2 document write, map swap).
// Any backend can be wrapped in a SealedBackend that encrypts values at rest
// with an Argon2id-derived AES-GCM key.
//
// # Usage
//
//	factory := storage.NewBackendFactory(logger, passphrase)
//	loc, _ := interfaces.NewBackendLocation("file:///var/lib/device-agent")
//	backend, err := factory.BackendFor(ctx, loc)
//	if err != nil {
//	    return err
//	}
//	store := storage.NewCredentialStore(backend, logger)
package storage
