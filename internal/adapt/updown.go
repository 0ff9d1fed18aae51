package adapt

// oneUpTwoDown raises the variable after every incorrect response and lowers
// it after two consecutive correct responses (70.7% point).
type oneUpTwoDown struct {
	state
}

func (p *oneUpTwoDown) Adapt(h []bool) Result {
	n := len(h)
	if n == 0 {
		return Result{}
	}
	if n >= 3 {
		switch {
		case h[n-1] && h[n-2] && !h[n-3]:
			p.reverse()
			p.halve()
		case !h[n-1] && h[n-2] && h[n-3]:
			p.reverse()
		}
		if p.converged() {
			return Result{Converged: true}
		}
	}

	switch {
	case !h[n-1]:
		return Result{Delta: p.step}
	case n >= 2 && h[n-2]:
		return Result{Delta: -p.step}
	}
	return Result{}
}

// twoUpOneDown mirrors oneUpTwoDown: lower after a correct response, raise
// after two consecutive incorrect responses (29.3% point).
type twoUpOneDown struct {
	state
}

func (p *twoUpOneDown) Adapt(h []bool) Result {
	n := len(h)
	if n == 0 {
		return Result{}
	}
	if n >= 3 {
		switch {
		case h[n-1] && !(h[n-2] && h[n-3]):
			p.reverse()
			p.halve()
		case h[n-3] && !(h[n-1] && h[n-2]):
			p.reverse()
		}
		if p.converged() {
			return Result{Converged: true}
		}
	}

	switch {
	case h[n-1]:
		return Result{Delta: -p.step}
	case n >= 2 && !h[n-2]:
		return Result{Delta: p.step}
	}
	return Result{}
}

// oneUpThreeDown raises after every incorrect response and lowers after three
// consecutive correct responses (79.4% point).
type oneUpThreeDown struct {
	state
}

func (p *oneUpThreeDown) Adapt(h []bool) Result {
	n := len(h)
	if n == 0 {
		return Result{}
	}
	if n >= 4 {
		switch {
		case h[n-1] && h[n-2] && h[n-3] && !h[n-4]:
			p.reverseAndHalve()
		case !h[n-1] && h[n-2] && h[n-3] && h[n-4]:
			p.reverse()
		}
		if p.converged() {
			return Result{Converged: true}
		}
	}

	switch {
	case !h[n-1]:
		return Result{Delta: p.step}
	case n >= 3 && h[n-2] && h[n-3]:
		return Result{Delta: -p.step}
	}
	return Result{}
}
