// Package session owns the client<->broker session protocol helpers.
//
// Ownership boundary:
// - open/reconnect handshake control messages
// - relay message wire encoding over frame+tlv
// - outbound priority queue and recovery buffer
// - reconnection strategy and backoff
// - transport security options
package session
