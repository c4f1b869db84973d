package supervisor

import (
	"math"
	"time"

	"github.com/Paintersrp/warden/internal/config"
)

type restartPolicy struct {
	// maxAttempts < 0 restarts forever.
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	factor      float64
	stableAfter time.Duration
}

func derivePolicy(spec *config.ServiceSpec) restartPolicy {
	pol := restartPolicy{
		maxAttempts: config.DefaultMaxAttempts,
		initial:     config.DefaultRestartInitial,
		max:         config.DefaultRestartMax,
		factor:      config.DefaultRestartFactor,
		stableAfter: config.DefaultStableAfter,
	}
	if spec == nil || spec.Restart == nil {
		return pol
	}
	rp := spec.Restart
	if rp.MaxAttempts != nil {
		pol.maxAttempts = *rp.MaxAttempts
	}
	if rp.Initial.Duration > 0 {
		pol.initial = rp.Initial.Duration
	}
	if rp.Max.Duration > 0 {
		pol.max = rp.Max.Duration
	}
	if rp.Factor >= 1 {
		pol.factor = rp.Factor
	}
	if rp.StableAfter.IsSet() {
		pol.stableAfter = rp.StableAfter.Duration
	}
	if pol.max < pol.initial {
		pol.max = pol.initial
	}
	return pol
}

// delay returns the wait before restart n (1-based): initial*factor^(n-1)
// capped at max. It never decreases as n grows.
func (p restartPolicy) delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.initial) * math.Pow(p.factor, float64(n-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.max) {
		return p.max
	}
	return time.Duration(d)
}

// exhausted reports whether failures has reached the attempt budget.
func (p restartPolicy) exhausted(failures int) bool {
	return p.maxAttempts >= 0 && failures >= p.maxAttempts
}
