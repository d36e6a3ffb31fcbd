// Package kms issues device identities for offline provisioning.
//
// SimpleKMS derives a fleet CA key deterministically from a master key and the
// fleet name, and signs one certificate per device:
//
//	k, _ := kms.NewSimpleKMS(masterKey)
//	creds, _ := k.WithFleet("lab").IssueDevice("ESP32-001")
//
// Every device issued from the same master key and fleet chains to the same CA
// key, so a broker configured with that CA accepts all of them. SimpleKMS is
// meant for development, tests and air-gapped bring-up. Production devices are
// provisioned by the remote provisioning server.
package kms
