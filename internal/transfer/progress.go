package transfer

import (
	"context"
	"io"
)

// progressReader wraps the source stream so the raw transfer reports
// fractional progress and honors cancellation at every chunk boundary.
// The fraction is scaled into [0, ceiling]; the span above the ceiling
// belongs to the finalize phase.
type progressReader struct {
	ctx     context.Context
	r       io.Reader
	total   int64
	read    int64
	ceiling float64
	report  func(float64)
}

func newProgressReader(ctx context.Context, r io.Reader, total int64, ceiling float64, report func(float64)) *progressReader {
	return &progressReader{ctx: ctx, r: r, total: total, ceiling: ceiling, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	select {
	case <-p.ctx.Done():
		return 0, p.ctx.Err()
	default:
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.report != nil && p.total > 0 {
			frac := float64(p.read) / float64(p.total) * p.ceiling
			if frac > p.ceiling {
				frac = p.ceiling
			}
			p.report(frac)
		}
	}
	return n, err
}
