package simulation

// scriptedSource replays a fixed sequence of draws, cycling when exhausted.
// Intn consumes one float and scales it, so a script reads top to bottom in
// the order the engine draws.
type scriptedSource struct {
	floats []float64
	i      int
}

func script(floats ...float64) *scriptedSource {
	return &scriptedSource{floats: floats}
}

func (s *scriptedSource) Float64() float64 {
	v := s.floats[s.i%len(s.floats)]
	s.i++
	return v
}

func (s *scriptedSource) Intn(n int) int {
	v := int(s.Float64() * float64(n))
	if v >= n {
		v = n - 1
	}
	return v
}

// neutral yields zero jitter and never re-classifies.
func neutral() *scriptedSource {
	return script(0.5)
}
