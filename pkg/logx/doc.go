// Package logx configures structured logging for the beat services.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers and the optional log file
//   - Runtime level/output swaps through Service.Apply
package logx
