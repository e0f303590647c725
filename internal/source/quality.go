package source

// Score computes the 0-100 quality score for one fetched payload. A complete
// payload scores 100; a partially degraded one (fewer fields than expected)
// scores proportionally lower, with a floor so that any successful fetch is
// still worth something over nothing.
func Score(p Payload) int {
	if p.Expect <= 0 {
		return 0
	}
	if p.Fields >= p.Expect {
		return 100
	}
	if p.Fields <= 0 {
		return 0
	}
	score := p.Fields * 100 / p.Expect
	const floor = 20
	if score < floor {
		return floor
	}
	return score
}
