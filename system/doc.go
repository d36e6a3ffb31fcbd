// Package system wraps the host primitives the agent drives: rebooting into
// a new boot target and running health check commands.
package system
