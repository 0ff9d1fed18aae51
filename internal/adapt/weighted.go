package adapt

// weightedUpDown moves after every response, with asymmetric step sizes
// chosen so the procedure converges on TargetProportion correct:
//
//	down = StartStep
//	up   = p / (1 - p) * StartStep
type weightedUpDown struct {
	state
}

func (p *weightedUpDown) Adapt(h []bool) Result {
	n := len(h)
	if n == 0 {
		return Result{}
	}
	if n >= 2 {
		switch {
		case h[n-1] && !h[n-2]:
			p.reverseAndHalve()
		case !h[n-1] && h[n-2]:
			p.reverse()
		}
		if p.converged() {
			return Result{Converged: true}
		}
	}

	target := p.setting.TargetProportion
	down := p.setting.StartStep
	up := target / (1 - target) * down
	if !h[n-1] {
		return Result{Delta: up}
	}
	return Result{Delta: -down}
}
