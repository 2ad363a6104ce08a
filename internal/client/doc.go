// Package client is the HTTP JSON client for the remote planning and
// execution service. Every call goes through a retry policy, carries a
// snapshot of the host project context, and reports failures using the
// errdefs taxonomy.
package client
