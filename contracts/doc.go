// Package contracts provides the core message types and interfaces for mmate-relay.
//
// This package defines the base contracts for messages that flow through the system:
//   - Message: Base interface for all messages
//   - Command: Represents an action to be performed
//   - Event: Represents something that has happened
//   - Envelope: The transport wrapper carrying identity, correlation and causation
//
// It also holds the error taxonomy shared by publishers and consumers.
package contracts
