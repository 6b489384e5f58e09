package logging

import "log/slog"

// WithOperator tags records with the operator or pipeline stage emitting them.
//
//	log := logging.WithOperator("groupby")
//	log.Debug("group created", "groups", n)
func WithOperator(name string) *slog.Logger {
	return GetLogger().With("op", name)
}

// WithColumn adds the column being processed.
func WithColumn(op, column string) *slog.Logger {
	return GetLogger().With("op", op, "column", column)
}

// WithComponent is used for storage and other infrastructure logs.
func WithComponent(name string) *slog.Logger {
	return GetLogger().With("component", name)
}
