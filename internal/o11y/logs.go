package o11y

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// SetupLogs returns an slog handler that ships records over OTLP/HTTP when
// OTEL_EXPORTER_OTLP_LOGS_ENDPOINT is set. The handler is nil otherwise.
func SetupLogs(ctx context.Context) (slog.Handler, ShutdownFunc, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") == "" {
		return nil, noop, nil
	}

	exporter, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, noop, err
	}

	res, err := newResource(ctx)
	if err != nil {
		return nil, noop, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	h := otelslog.NewHandler(ScopeName, otelslog.WithLoggerProvider(provider))
	return h, provider.Shutdown, nil
}
