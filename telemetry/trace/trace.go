//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

// Package trace exposes the tracer stepflow instruments its execution
// with. It defaults to a no-op tracer; applications that run an
// OpenTelemetry SDK install their provider via SetTracerProvider.
package trace

import (
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/stepfn/stepflow"

// TracerProvider is the provider stepflow spans are created from.
var TracerProvider trace.TracerProvider = noop.NewTracerProvider()

// Tracer is the tracer used by the executor for run and node spans.
var Tracer trace.Tracer = TracerProvider.Tracer(instrumentationName)

// SetTracerProvider installs a provider and rebuilds the tracer.
// Call it before constructing executors; the executor captures the
// tracer at creation time.
func SetTracerProvider(tp trace.TracerProvider) {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	TracerProvider = tp
	Tracer = tp.Tracer(instrumentationName)
}
