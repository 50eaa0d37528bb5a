// Package vm provides high-level VM management operations.
//
// Provision runs the full create pipeline for one request:
//
//	acquire-image -> compose-disk -> render-seed -> package-seed
//	  -> define-domain -> start-domain
//
// Each stage's failure is reported as a *failure.StageError, so callers
// can tell where a run stopped. Artifacts are never rolled back: a rerun
// reuses the cached image and an existing disk, and regenerates the seed.
// A domain that was defined but could not be started is undefined again.
//
// Destroy, List and Get operate on existing domains over the same
// connection URI.
//
// Every exported operation connects on its own and delegates to a
// *WithDeps function that takes consumer-side interfaces (see
// interfaces.go) so the logic can be tested without libvirt.
package vm
