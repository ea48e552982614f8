package storage

// Package storage provides the bot's small persistence layer.
//
// It currently supports:
//   - Audit log appends (who locked/unlocked what, and when)
//   - Alert dedup state (so "door left open" alerts survive restarts)
