// Package observability holds the Prometheus metrics of the relay and the
// idea store, and the HTTP middleware and span helpers that feed traces.
//
// Every Collector owns its registry, so several relays can live in one
// process. The relay serves it on the configured metrics path:
//
//	r.Method(http.MethodGet, "/metrics", collector.Handler())
//
// Spans are started with the tracer from the tracing package. Use the
// attribute helpers so rooms and ideas carry the same keys everywhere:
//
//	ctx, span := tracer.Start(ctx, "relay.join",
//		trace.WithAttributes(observability.RoomAttributes(room, connID)...))
//	defer span.End()
package observability
