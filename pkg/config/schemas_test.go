package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Sweep: {
	parameter: string
	points:    int & >0
}
`

	err := sr.RegisterSchema("sweep", customSchema)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("sweep")
	if !ok {
		t.Fatal("expected to find sweep schema")
	}

	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if err := sr.RegisterSchema("broken", "#X: {"); err == nil {
		t.Error("expected error for malformed schema")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for name := range builtinDefinitions {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}

			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateParameter(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		param   ParameterConfig
		wantErr bool
	}{
		{
			name:  "fixed parameter",
			param: ParameterConfig{Name: "delay", Value: 1.5},
		},
		{
			name: "uniform parameter",
			param: ParameterConfig{Name: "g", Value: 4, Distribution: &DistributionConfig{
				Kind: "uniform", Lo: 3, Hi: 5,
			}},
		},
		{
			name: "interval rule",
			param: ParameterConfig{Name: "J_E", Value: 4, Distribution: &DistributionConfig{
				Kind: "uniform_interval", Interval: 0.5,
			}},
		},
		{
			name:    "name is not an identifier",
			param:   ParameterConfig{Name: "2fast", Value: 1},
			wantErr: true,
		},
		{
			name: "inverted uniform bounds",
			param: ParameterConfig{Name: "g", Value: 4, Distribution: &DistributionConfig{
				Kind: "uniform", Lo: 5, Hi: 3,
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateParameter(ctx, tt.param)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParameter() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateDistribution(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		dist    DistributionConfig
		wantErr bool
	}{
		{name: "normal", dist: DistributionConfig{Kind: "normal", Mu: 0, Sigma: 1}},
		{name: "lognormal", dist: DistributionConfig{Kind: "lognormal", Mu: 0, Sigma: 0.25}},
		{name: "beta", dist: DistributionConfig{Kind: "beta", Alpha: 2, Beta: 3, Lo: 0, Hi: 1}},
		{name: "triangle", dist: DistributionConfig{Kind: "triangle", Lo: 0, Mode: 1, Hi: 2}},
		{name: "point", dist: DistributionConfig{Kind: "point", At: 3}},
		{name: "normal with zero spread is a point law", dist: DistributionConfig{Kind: "normal", Mu: 1}},
		{name: "normal with negative spread", dist: DistributionConfig{Kind: "normal", Mu: 1, Sigma: -1}, wantErr: true},
		{name: "lognormal without spread", dist: DistributionConfig{Kind: "lognormal", Mu: 1}, wantErr: true},
		{name: "beta without shape", dist: DistributionConfig{Kind: "beta", Hi: 1}, wantErr: true},
		{name: "triangle mode outside", dist: DistributionConfig{Kind: "triangle", Lo: 0, Mode: 3, Hi: 2}, wantErr: true},
		{name: "unknown kind", dist: DistributionConfig{Kind: "cauchy"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateDistribution(ctx, tt.dist)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDistribution() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.ValidateAgainstSchema(ctx, "nonexistent", map[string]any{}); err == nil {
		t.Error("expected error for nonexistent schema")
	}

	run := map[string]any{"method": "collocation", "samples": 50}
	if err := sr.ValidateAgainstSchema(ctx, "run", run); err != nil {
		t.Errorf("ValidateAgainstSchema(run) error = %v", err)
	}

	run["alignment"] = "stretch"
	if err := sr.ValidateAgainstSchema(ctx, "run", run); err == nil {
		t.Error("expected error for unknown alignment")
	}

	if err := sr.ValidateAgainstSchema(ctx, "telemetry", map[string]any{"verbose": true}); err == nil {
		t.Error("expected error for field outside the closed telemetry schema")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	schemas := sr.ListSchemas()
	if len(schemas) != len(builtinDefinitions) {
		t.Errorf("ListSchemas() = %v, want %d built-ins", schemas, len(builtinDefinitions))
	}
	for i := 1; i < len(schemas); i++ {
		if schemas[i-1] > schemas[i] {
			t.Errorf("ListSchemas() not sorted: %v", schemas)
		}
	}

	if err := sr.RegisterSchema("extra", "#Extra: string"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if got := len(sr.ListSchemas()); got != len(builtinDefinitions)+1 {
		t.Errorf("ListSchemas() after register has %d entries", got)
	}
}
