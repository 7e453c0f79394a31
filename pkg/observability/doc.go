// Package observability provides OpenTelemetry tracing and metrics for the
// warden kernel. Telemetry is off unless an OTLP endpoint is configured, so a
// bare kernel boots with no collector dependency.
//
// Initialize the provider at startup:
//
//	prov, err := observability.New(ctx, &observability.Config{
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer prov.Shutdown(ctx)
//
// Wrap an operation to get a span plus the RED metrics in one call:
//
//	ctx, finish := prov.TrackOperation(ctx, "admission.admit",
//		observability.AdmissionOperation(requestID, tier, stage)...)
//	defer func() { finish(err) }()
//
// Latency objectives for the kernel hot paths are tracked separately by
// ObjectiveTracker, which burns an error budget per operation and reports
// compliance through the kernel status surface.
package observability
