package eodobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"trading-controller/internal/interfaces"
	"trading-controller/internal/logger"
	"trading-controller/internal/trace"
)

type observableEodSummarizer struct {
	summarizer interfaces.EodSummarizer
}

var _ interfaces.EodSummarizer = (*observableEodSummarizer)(nil)

func Wrap(summarizer interfaces.EodSummarizer) interfaces.EodSummarizer {
	return &observableEodSummarizer{summarizer: summarizer}
}

func (o *observableEodSummarizer) SummarizeDay(t time.Time) (string, error) {
	ctx, span := trace.StartSpan(context.Background(), "eod.SummarizeDay")
	defer span.End()
	span.SetAttributes(attribute.String("date", t.Format("2006-01-02")))

	start := time.Now()
	csvPath, err := o.summarizer.SummarizeDay(t)
	o.report(ctx, t.Format("2006-01-02"), csvPath, err, start)
	return csvPath, err
}

func (o *observableEodSummarizer) SummarizeToday() (string, error) {
	ctx, span := trace.StartSpan(context.Background(), "eod.SummarizeToday")
	defer span.End()

	start := time.Now()
	csvPath, err := o.summarizer.SummarizeToday()
	o.report(ctx, "today", csvPath, err, start)
	return csvPath, err
}

func (o *observableEodSummarizer) ShouldRunNow() (bool, string) {
	ctx, span := trace.StartSpan(context.Background(), "eod.ShouldRunNow")
	defer span.End()

	shouldRun, csvPath := o.summarizer.ShouldRunNow()
	logger.DebugSkip(ctx, 1, "EOD check completed", "should_run", shouldRun, "csv_path", csvPath)
	return shouldRun, csvPath
}

func (o *observableEodSummarizer) report(ctx context.Context, date, csvPath string, err error, start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	switch {
	case err != nil:
		logger.ErrorWithErrSkip(ctx, 2, "EOD summary failed", err, "date", date, "duration_ms", elapsed)
	case csvPath == "":
		logger.InfoSkip(ctx, 2, "No fills to summarize", "date", date)
	default:
		logger.InfoSkip(ctx, 2, "EOD summary written", "date", date, "csv_path", csvPath, "duration_ms", elapsed)
	}
}
