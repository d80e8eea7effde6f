// Package app provides the relay's event handlers.
//
// Lifecycle turns transport connect/disconnect events into store mutations
// and sends the welcome frame. Router classifies inbound messages into echo,
// broadcast or direct sends. Both deliver through a Dispatcher, which is
// either local-only or cluster-aware. Depends on domain interfaces, not
// concrete transports.
package app
