package observe

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// keepSpans keeps recorded spans across Shutdown, which the in-memory
// exporter would otherwise reset.
type keepSpans struct{ *tracetest.InMemoryExporter }

func (keepSpans) Shutdown(context.Context) error { return nil }

func TestInitProvider_InstallsGlobals(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})

	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		TraceExporter:  keepSpans{exp},
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "roomapi.health")
	cid := CorrelationID(ctx)
	if cid == "" {
		t.Fatal("span from global provider has no trace id")
	}

	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Error("global propagator did not inject traceparent")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans after shutdown, want 1", len(spans))
	}
	var name, version string
	for _, kv := range spans[0].Resource.Attributes() {
		switch kv.Key {
		case "service.name":
			name = kv.Value.AsString()
		case "service.version":
			version = kv.Value.AsString()
		}
	}
	if name != "echomeet" || version != "test" {
		t.Errorf("resource service = %q/%q, want echomeet/test", name, version)
	}
}
