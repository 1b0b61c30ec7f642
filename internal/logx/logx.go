package logx

import (
	"context"

	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	accountKey contextKey = iota
	operationKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithAccount annotates the logger with the account id if present.
func WithAccount(ctx context.Context, id schema.AccountID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if id != "" {
		if current, ok := ctx.Value(accountKey).(schema.AccountID); ok && current == id {
			return log
		}
		log = log.With("account", id)
	}
	return log
}

// WithAccountOp annotates the logger with account and recovery operation identifiers.
func WithAccountOp(ctx context.Context, id schema.AccountID, op string) pslog.Logger {
	log := WithAccount(ctx, id)
	if op != "" {
		if current, ok := ctx.Value(operationKey).(string); ok && current == op {
			return log
		}
		log = log.With("op_id", op)
	}
	return log
}

// WithSurface annotates the logger with surface metadata when available.
func WithSurface(log pslog.Logger, id schema.SurfaceID, state schema.SurfaceState) pslog.Logger {
	if id != "" {
		log = log.With("surface", id)
	}
	if state != schema.SurfaceUninitialized {
		log = log.With("surface_state", state.String())
	}
	return log
}

// WithPartition annotates the logger with a partition name when available.
func WithPartition(log pslog.Logger, p schema.Partition) pslog.Logger {
	if p.Name != "" {
		log = log.With("partition", p.Name)
	}
	return log
}

// ContextWithAccount stores the account marker on the context for log de-duplication.
func ContextWithAccount(ctx context.Context, id schema.AccountID) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, accountKey, id)
}

// ContextWithOperation stores the operation marker on the context for log de-duplication.
func ContextWithOperation(ctx context.Context, op string) context.Context {
	if ctx == nil || op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey, op)
}

// ContextWithAccountLogger attaches the logger and account marker to the context.
func ContextWithAccountLogger(ctx context.Context, log pslog.Logger, id schema.AccountID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithAccount(ctx, id)
}

// ContextWithAccountOpLogger attaches the logger and account/operation markers to the context.
func ContextWithAccountOpLogger(ctx context.Context, log pslog.Logger, id schema.AccountID, op string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithOperation(ContextWithAccount(ctx, id), op)
}

// CopyContextFields copies the logger and account/operation markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	dst = pslog.ContextWithLogger(dst, pslog.Ctx(src))
	if id, ok := src.Value(accountKey).(schema.AccountID); ok && id != "" {
		dst = ContextWithAccount(dst, id)
	}
	if op, ok := src.Value(operationKey).(string); ok && op != "" {
		dst = ContextWithOperation(dst, op)
	}
	return dst
}
