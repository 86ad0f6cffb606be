// Package ioring binds the Windows I/O ring API exported by
// KernelBase.dll. The procedures are resolved at run time, so the
// package loads on systems that predate the API; Load reports whether
// it can be used.
//
// Only windows/amd64 is supported: several procedures take 16-byte
// structures by value, which the amd64 calling convention passes by
// reference.
package ioring
