package engineobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/trace"
	"trading-controller/internal/types"
)

type observableController struct {
	ctrl interfaces.Controller
}

var _ interfaces.Controller = (*observableController)(nil)

// Wrap traces and logs every lifecycle command sent to ctrl.
func Wrap(ctrl interfaces.Controller) interfaces.Controller {
	return &observableController{ctrl: ctrl}
}

func (oc *observableController) Start(ctx context.Context) error {
	return oc.observe(ctx, "controller.Start", false, oc.ctrl.Start)
}

func (oc *observableController) Pause(ctx context.Context) error {
	return oc.observe(ctx, "controller.Pause", false, oc.ctrl.Pause)
}

func (oc *observableController) Resume(ctx context.Context) error {
	return oc.observe(ctx, "controller.Resume", false, oc.ctrl.Resume)
}

func (oc *observableController) Stop(ctx context.Context, confirmed bool) error {
	return oc.observe(ctx, "controller.Stop", confirmed, func(ctx context.Context) error {
		return oc.ctrl.Stop(ctx, confirmed)
	})
}

func (oc *observableController) FlattenAndStop(ctx context.Context, confirmed bool) error {
	return oc.observe(ctx, "controller.FlattenAndStop", confirmed, func(ctx context.Context) error {
		return oc.ctrl.FlattenAndStop(ctx, confirmed)
	})
}

func (oc *observableController) ConfirmLive(ctx context.Context) error {
	return oc.observe(ctx, "controller.ConfirmLive", false, oc.ctrl.ConfirmLive)
}

func (oc *observableController) SetFlattenOnStop(ctx context.Context, on bool) error {
	ctx, span := trace.StartSpan(ctx, "controller.SetFlattenOnStop")
	defer span.End()
	span.SetAttributes(attribute.Bool("flatten_on_stop", on))
	return oc.ctrl.SetFlattenOnStop(ctx, on)
}

// Status is polled by the control surface and is not logged.
func (oc *observableController) Status(ctx context.Context) (types.Status, error) {
	return oc.ctrl.Status(ctx)
}

func (oc *observableController) observe(ctx context.Context, op string, confirmed bool, fn func(context.Context) error) error {
	ctx, span := trace.StartSpan(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.Bool("confirmed", confirmed))

	start := time.Now()
	if err := fn(ctx); err != nil {
		logger.WarnSkip(ctx, 2, "Controller command refused",
			"command", op,
			"confirmed", confirmed,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}

	logger.InfoSkip(ctx, 2, "Controller command applied",
		"command", op,
		"confirmed", confirmed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
