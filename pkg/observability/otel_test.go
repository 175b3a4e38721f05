package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracer_Stdout(t *testing.T) {
	buf := &bytes.Buffer{}
	shutdown, err := InitTracer(Config{Enabled: true, Service: "chainfetch-test", Writer: buf}, zerolog.Nop())
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "fetch-page")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"fetch-page", "chainfetch-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans missing %q", want)
		}
	}
}
