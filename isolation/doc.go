// Package isolation programs a default-deny egress policy on the host and
// reverts it.
//
// A Controller resolves a whitelist into firewall entries, installs them
// through a Backend as one per-run session and hands back a State. The State
// is the only handle through which the session is widened (Grant) or torn
// down (Revert). Every session is tagged with a run identifier so Revert only
// ever touches rules this run added, and a JSON copy of the State is kept on
// disk so a crashed run can be cleaned up later with RevertRun.
//
// Two backends ship with the package: an iptables backend on Linux, and an
// in-memory backend used by tests and dry runs that can answer whether a
// given destination would be permitted.
package isolation
