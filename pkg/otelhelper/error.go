package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/civion/civion/pkg/models"
)

func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}

// SetStepError records a classified step failure. The error kind drives the
// retry decision, so it gets a first-class attribute.
func SetStepError(span trace.Span, kind models.ErrorKind, err error) {
	SetError(span, err, attribute.String("civion.error.kind", string(kind)))
}
