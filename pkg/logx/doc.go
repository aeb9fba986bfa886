// Package logx configures pollwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured and rotated
//   - an optional operator sink that pushes warnings and errors to a chat
package logx
