// Package ir provides the value and record types shared by every denorm
// package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - NO float values anywhere; numbers are int64 so equality is exact
//   - Null is a real value because synthesized denormalized fields are nullable
//   - Canonical JSON (RFC 8785) is the single encoding for stored fields and
//     queue payloads, and the basis of value equality
//   - Storage mode and strategy are closed enums, never free-form strings
package ir
