// Copyright 2024 Google LLC
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

package common

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentfs"

// MetricHandle records sandbox activity. The dispatcher calls it on
// every intercepted syscall; implementations must be cheap and safe
// for concurrent use.
type MetricHandle interface {
	// SyscallsIntercepted counts intercepted syscalls by name.
	SyscallsIntercepted(ctx context.Context, count int64, sysname string)

	// HandlerErrors counts handler failures by syscall name.
	HandlerErrors(ctx context.Context, count int64, sysname string)
}

////////////////////////////////////////////////////////////////////////
// No-op implementation
////////////////////////////////////////////////////////////////////////

type noopMetrics struct{}

// NewNoopMetrics returns a MetricHandle that discards everything.
func NewNoopMetrics() MetricHandle { return noopMetrics{} }

func (noopMetrics) SyscallsIntercepted(ctx context.Context, count int64, sysname string) {}
func (noopMetrics) HandlerErrors(ctx context.Context, count int64, sysname string)       {}

////////////////////////////////////////////////////////////////////////
// OTel implementation
////////////////////////////////////////////////////////////////////////

type otelMetrics struct {
	syscallsIntercepted metric.Int64Counter
	handlerErrors       metric.Int64Counter
}

// NewOTelMetrics returns a MetricHandle backed by the global OTel
// meter provider. Exporter wiring is the operator's business.
func NewOTelMetrics() (MetricHandle, error) {
	meter := otel.Meter(meterName)

	syscallsIntercepted, err := meter.Int64Counter("agentfs/syscalls_intercepted",
		metric.WithDescription("Number of syscalls intercepted by the sandbox."))
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("agentfs/handler_errors",
		metric.WithDescription("Number of syscall handler failures."))
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		syscallsIntercepted: syscallsIntercepted,
		handlerErrors:       handlerErrors,
	}, nil
}

func (m *otelMetrics) SyscallsIntercepted(ctx context.Context, count int64, sysname string) {
	m.syscallsIntercepted.Add(ctx, count,
		metric.WithAttributes(attribute.String("sysname", sysname)))
}

func (m *otelMetrics) HandlerErrors(ctx context.Context, count int64, sysname string) {
	m.handlerErrors.Add(ctx, count,
		metric.WithAttributes(attribute.String("sysname", sysname)))
}
