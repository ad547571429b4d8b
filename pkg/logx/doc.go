// Package logx is the structured logger used across postpilot.
//
// Logger wraps zerolog with typed Field helpers. Service owns the sinks
// (pretty or JSON stdout, an optional JSON file) and can swap them at
// runtime; loggers derived from it follow the swap.
package logx
