// Package supervisor sequences the agent: it validates a freshly installed
// firmware image, waits for the network, provisions the device identity when
// it is missing and keeps the command channel running. It is the single place
// deciding whether a fatal failure restarts the sequence or halts the agent.
package supervisor
