// Package model defines the entities exchanged between the CLI, the
// declarative-fleet resolver, the hypervisor backends, and the state
// store: VmSpec, VmHandle, VmState, BackendTag, and the network and
// cloud-init configuration types they carry.
package model
