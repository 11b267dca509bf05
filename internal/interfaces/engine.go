package interfaces

import (
	"context"

	"llm-crypto-trader/internal/types"
)

type Engine interface {
	Step(ctx context.Context, pair string) (*types.StepResult, error)
}
