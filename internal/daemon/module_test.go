package daemon

import (
	"testing"

	"go.uber.org/fx"
)

func TestModuleGraphIsValid(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "test"})); err != nil {
		t.Fatalf("dependency graph invalid: %v", err)
	}
}
