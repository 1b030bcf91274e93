// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "jaeger-thrift"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_OTLPRequiresEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: ExporterOTLP})
	assert.Error(t, err)
}

func TestInit_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "annotate-test",
		TraceExporter: ExporterStdout,
		Writer:        &buf,
	})
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "server.Execute")
	assert.Len(t, TraceID(ctx), 32)

	headers := http.Header{}
	InjectContext(ctx, headers)
	assert.NotEmpty(t, headers.Get("traceparent"))
	assert.Equal(t, TraceID(ctx), TraceID(ExtractContext(context.Background(), headers)))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "server.Execute")
	assert.Contains(t, buf.String(), "annotate-test")
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}
