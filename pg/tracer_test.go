package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSQLOperationName(t *testing.T) {
	assert.Equal(t, "INSERT", sqlOperationName("\ninsert into rate_limits VALUES ($1)"))
	assert.Equal(t, "DELETE", sqlOperationName("DELETE FROM ip_blocks"))
	assert.Equal(t, "UNKNOWN", sqlOperationName("   "))
}

func TestTracer_QueryRecordsPgError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	tr := &tracer{tp.Tracer("test")}

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{
		Err: &pgconn.PgError{Code: "23505", Message: "duplicate key"},
	})
	root.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	query := spans[0]
	assert.Equal(t, "db.query", query.Name())
	assert.Equal(t, codes.Error, query.Status().Code)

	var sqlState string
	for _, kv := range query.Attributes() {
		if kv.Key == SQLStateKey {
			sqlState = kv.Value.AsString()
		}
	}
	assert.Equal(t, "23505", sqlState)
}

func TestTracer_NoRowsIsNotAnError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := &tracer{tp.Tracer("test")}

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: pgx.ErrNoRows})
	root.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestTracer_NotRecordingIsNoop(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := &tracer{tp.Tracer("test")}

	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	assert.Empty(t, recorder.Ended())
}
