// Package logx configures weibobot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional ops-chat sink (min-level + rate limiting) that reuses the
//     bot's delivery path
package logx
