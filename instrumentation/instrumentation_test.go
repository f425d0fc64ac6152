package instrumentation

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name: "enabled with defaults",
			config: Config{
				Enabled: true,
			},
		},
		{
			name: "disabled",
			config: Config{
				ServiceName:    "oauth-broker",
				ServiceVersion: "1.2.3",
				Enabled:        false,
			},
		},
		{
			name: "with IP logging",
			config: Config{
				Enabled:      true,
				LogClientIPs: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.MeterProvider() == nil {
				t.Error("MeterProvider() returned nil")
			}
			if inst.TracerProvider() == nil {
				t.Error("TracerProvider() returned nil")
			}
			if got := inst.ShouldLogClientIPs(); got != tt.config.LogClientIPs {
				t.Errorf("ShouldLogClientIPs() = %v, want %v", got, tt.config.LogClientIPs)
			}
		})
	}
}

func TestNew_DefaultServiceName(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != "oauth-broker" {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, "oauth-broker")
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestMetricsRecording(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()

	// All recording helpers must be safe against the no-op provider.
	m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 12.5)
	m.RecordAuthorizationStarted(ctx, "client-1")
	m.RecordCallbackProcessed(ctx, "client-1", true)
	m.RecordCodeExchange(ctx, "client-1", "S256")
	m.RecordTokenRefresh(ctx, "client-1", true)
	m.RecordTokenRevocation(ctx, "client-1")
	m.RecordClientRegistration(ctx, "public")
	m.RecordRateLimitExceeded(ctx, "per_ip")
	m.RecordPKCEValidationFailed(ctx, "S256")
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	// Nil callbacks are allowed.
	err = inst.RegisterStorageSizeCallbacks(nil, nil, nil)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks(nil, nil, nil) error = %v", err)
	}
}

func TestShutdown(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	// Second shutdown is a no-op.
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestMeterAndTracerScopes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Meter("http") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("broker") == nil {
		t.Error("Tracer() returned nil")
	}
}
