package report

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/metrics"
)

const DefaultTimeout = 10 * time.Second

// Failover runs every call on the primary under a bounded timeout. When the
// primary is unreachable or times out, the same instruction goes to the
// fallback and the receipt carries Path=Fallback. Rejections are final.
type Failover struct {
	primary  Submitter
	fallback Submitter // nil disables the fallback path
	timeout  time.Duration
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
}

func NewFailover(primary, fallback Submitter, timeout time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Failover {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Failover{primary: primary, fallback: fallback, timeout: timeout, log: log, metrics: m}
}

func (f *Failover) SubmitVerify(ctx context.Context, in VerifyInstruction) (Receipt, error) {
	return f.do(ctx, KindVerify, func(ctx context.Context, s Submitter) (Receipt, error) {
		return s.SubmitVerify(ctx, in)
	})
}

func (f *Failover) SubmitSettle(ctx context.Context, in SettleInstruction) (Receipt, error) {
	return f.do(ctx, in.Kind(), func(ctx context.Context, s Submitter) (Receipt, error) {
		return s.SubmitSettle(ctx, in)
	})
}

func (f *Failover) SubmitWithdraw(ctx context.Context, in WithdrawInstruction) (Receipt, error) {
	return f.do(ctx, KindWithdraw, func(ctx context.Context, s Submitter) (Receipt, error) {
		return s.SubmitWithdraw(ctx, in)
	})
}

func (f *Failover) do(ctx context.Context, kind Kind, call func(context.Context, Submitter) (Receipt, error)) (Receipt, error) {
	r, err := f.attempt(ctx, kind, Primary, f.primary, call)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, ErrRejected) || ctx.Err() != nil || f.fallback == nil {
		return Receipt{}, errs.SubmissionFailed(kind.String(), err)
	}

	f.log.Warnw("report_primary_unavailable", "kind", kind, "timeout", f.timeout, "err", err)
	r, ferr := f.attempt(ctx, kind, Fallback, f.fallback, call)
	if ferr != nil {
		return Receipt{}, errs.SubmissionFailed(kind.String(), errors.Join(err, ferr))
	}
	return r, nil
}

func (f *Failover) attempt(ctx context.Context, kind Kind, path Path, s Submitter, call func(context.Context, Submitter) (Receipt, error)) (Receipt, error) {
	actx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	r, err := call(actx, s)
	f.metrics.ReportLatency.WithLabelValues(kind.String(), path.String()).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	f.metrics.ReportsTotal.WithLabelValues(kind.String(), path.String(), result).Inc()
	if err != nil {
		return Receipt{}, err
	}
	r.Path = path
	return r, nil
}
