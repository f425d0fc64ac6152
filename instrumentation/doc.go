// Package instrumentation provides OpenTelemetry metrics for the broker.
//
// Initialize it once at startup and pass the Metrics holder to the broker:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-broker",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false (or the package is not configured at all), no-op
// providers are used and recording a metric costs nothing.
//
// Available metrics:
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flow counters:
//   - oauth.authorization.started{client_id}
//   - oauth.callback.processed{client_id, success}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id}
//   - oauth.client.registered{client_type}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//
// Storage gauges (registered via RegisterStorageSizeCallbacks):
//   - storage.size.pending_authorizations
//   - storage.size.authorization_codes
//   - storage.size.clients
//
// Never record actual credential values (tokens, codes, secrets, verifiers)
// as metric attributes. Only metadata such as client IDs, grant types, and
// validation outcomes belongs in observability data.
package instrumentation
