// Package engine runs end-to-end workflows. Each workflow asks the remote
// service for a plan, starts its execution, monitors it to a terminal status
// and forwards the resulting commands to the command queue.
//
// Workflow status moves pending -> planning -> executing -> completed, and
// any stage may end in failed with a user-facing error message.
package engine
