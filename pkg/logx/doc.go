// Package logx configures capsched's structured logging.
//
// The daemon and its services use a small wrapper (logx.Logger) on top of
// zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The scheduler engine itself never logs; failure reporting there goes
// through task result channels only.
package logx
