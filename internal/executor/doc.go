// Package executor defines the contract for applying commands to the host
// model, along with a registry that routes each command kind to the
// executor responsible for it.
package executor
