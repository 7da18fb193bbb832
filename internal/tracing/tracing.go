// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing installs the process-wide OpenTelemetry TracerProvider
// that internal/worker uses to emit claim/spawn/reap spans for every job
// run. It carries tracing only: metrics already go through
// prometheus/client_golang directly via internal/metrics, so there is no
// otel metrics pipeline here to duplicate it.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls whether and where spans are exported.
type Config struct {
	// Enabled turns on span export. When false, NewProvider installs a
	// no-op TracerProvider and internal/worker's spans cost nothing.
	Enabled bool

	// ServiceName and ServiceVersion populate the resource attributes
	// attached to every exported span.
	ServiceName    string
	ServiceVersion string

	// Writer receives the console-exported span batches. Defaults to
	// os.Stdout. A homelab deployment has no collector to ship spans to,
	// so the console exporter doubles as the sink.
	Writer io.Writer
}

// Provider owns the process-wide TracerProvider and its exporter.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a TracerProvider from cfg and installs it as the
// global provider via otel.SetTracerProvider, so every package-level
// otel.Tracer(name) call (internal/worker's included) starts producing
// real spans instead of no-ops.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
	if err != nil {
		return nil, fmt.Errorf("create console trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and releases the exporter. Safe to call
// on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
