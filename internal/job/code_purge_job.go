package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/vcode/internal/metrics"
	"github.com/xxxsen/vcode/internal/repo"
)

// CodePurgeJob deletes expired codes. Lookups already ignore them, so this is
// housekeeping only.
type CodePurgeJob struct {
	codes repo.CodeRepo
	grace time.Duration
	now   func() time.Time
}

func NewCodePurgeJob(codes repo.CodeRepo, grace time.Duration) *CodePurgeJob {
	return &CodePurgeJob{codes: codes, grace: grace, now: time.Now}
}

func (j *CodePurgeJob) Name() string {
	return "code_purge"
}

func (j *CodePurgeJob) Run(ctx context.Context) error {
	if j.codes == nil {
		return nil
	}
	grace := j.grace
	if grace < 0 {
		grace = 0
	}
	cutoff := j.now().Add(-grace).Unix()
	removed, err := j.codes.PurgeExpired(ctx, cutoff)
	if err != nil {
		return err
	}
	metrics.PurgedCodes.Add(float64(removed))
	logutil.GetLogger(ctx).Info("expired codes purged", zap.Int64("removed", removed), zap.Int64("cutoff", cutoff))
	return nil
}
