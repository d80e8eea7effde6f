// Package domain defines the contracts shared by the relay: the transport
// Handle capability, the ConnectionStore, wire frames, and the cluster
// Presence and Bus interfaces.
package domain
