package interfaces

import (
	"context"

	"trading-controller/internal/types"
)

// Controller is the lifecycle surface of the run controller.
type Controller interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context, confirmed bool) error
	FlattenAndStop(ctx context.Context, confirmed bool) error
	ConfirmLive(ctx context.Context) error
	SetFlattenOnStop(ctx context.Context, on bool) error
	Status(ctx context.Context) (types.Status, error)
}
