// Package correlation owns the call id contract shared by callers and responders.
//
// A correlation id is a hex string that decodes to at least 16 bytes; the first
// 16 are read as two big-endian uint64 halves. The resulting Key is comparable and
// is used directly as a map key by the pending-call registry.
package correlation
