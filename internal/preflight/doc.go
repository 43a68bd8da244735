// Package preflight runs startup checks: state and log directories must be
// writable, source directories readable, and the object store answering.
// Missing sources, a full disk and an unreachable bucket are warnings; a
// vehicle that is offline at boot still needs to start collecting logs.
package preflight
