//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package trace

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetTracerProvider(t *testing.T) {
	orig := TracerProvider
	defer SetTracerProvider(orig)

	tp := noop.NewTracerProvider()
	SetTracerProvider(tp)
	require.Equal(t, tp, TracerProvider)
	require.NotNil(t, Tracer)

	SetTracerProvider(nil)
	require.NotNil(t, TracerProvider)
	require.NotNil(t, Tracer)
}
