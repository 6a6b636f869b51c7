package logcontext

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendCtx(t *testing.T) {
	base := AppendCtx(context.Background(), slog.String("payment_id", "pay_1"))
	child := AppendCtx(base, slog.String("event_hash", "abc"))
	sibling := AppendCtx(base, slog.String("run_id", "r1"))

	assert.Len(t, Attrs(base), 1)
	assert.Equal(t, []slog.Attr{slog.String("payment_id", "pay_1"), slog.String("event_hash", "abc")}, Attrs(child))
	assert.Equal(t, []slog.Attr{slog.String("payment_id", "pay_1"), slog.String("run_id", "r1")}, Attrs(sibling))
	assert.Nil(t, Attrs(context.Background()))
}
