// Package platform abstracts the chat platform connection.
//
// The engine only ever sees two interfaces: Connector, which turns stored
// credentials into a live Conn (or ErrAuthExpired), and Conn, which yields
// inbound message events through a registered handler and accepts outbound
// replies via Send.
//
// Implementing the platform wire protocol is explicitly out of scope for
// this repository. Real drivers (MTProto, Matrix, ...) plug in behind
// Connector; the LoopbackConnector here is the in-process stand-in used by
// tests and local development.
package platform
