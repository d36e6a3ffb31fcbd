// Package network provides the network-available signal the supervisor waits
// on before contacting the provisioning server or the broker.
package network
