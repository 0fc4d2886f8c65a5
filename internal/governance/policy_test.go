package governance

import (
	"context"
	"testing"

	"github.com/rahul/retailpipe/pkg/config"
)

func TestDefaultPolicyEngine_Evaluate(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	ctx := context.Background()

	// Test Allow (Default)
	res1, err := engine.Evaluate(ctx, Request{Step: "extract", Command: "python scripts/extract_sales.py"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res1.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow, got %s", res1.Effect)
	}

	// Test Deny by step name
	engine.DenyStep("generate")
	res2, err := engine.Evaluate(ctx, Request{Step: "generate", Command: "python gen.py"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res2.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s", res2.Effect)
	}
}

func TestNewPolicyEngineFromConfig(t *testing.T) {
	engine, err := NewPolicyEngineFromConfig(config.PolicyConfig{
		DenyPatterns: []string{`rm\s+-rf\s+/`, `mkfs`},
		DenySteps:    []string{"generate"},
	})
	if err != nil {
		t.Fatalf("NewPolicyEngineFromConfig failed: %v", err)
	}

	res, err := engine.Evaluate(context.Background(), Request{Step: "cleanup", Command: "rm -rf / --no-preserve-root"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s", res.Effect)
	}

	res, err = engine.Evaluate(context.Background(), Request{Step: "generate", Command: "python scripts/generate_sales.py"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != EffectDeny {
		t.Errorf("Expected configured step to be denied, got %s", res.Effect)
	}

	res, err = engine.Evaluate(context.Background(), Request{Step: "extract", Command: "python scripts/extract_sales.py"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow, got %s", res.Effect)
	}

	if _, err := NewPolicyEngineFromConfig(config.PolicyConfig{DenyPatterns: []string{`(`}}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}
