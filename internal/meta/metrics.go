package meta

// Observation is one iteration's cheap, LLM-free process measurements.
type Observation struct {
	// PassedPlusBlocked is the test count whose delta drives value velocity.
	PassedPlusBlocked int

	// ErrorSurface is a hash of the most recent failure evidence; an
	// unchanged surface after a fix means the fix is not converging.
	ErrorSurface string

	// FilesTouched is the count of distinct files changed recently.
	FilesTouched int

	// TaskTransitions is the count of task status changes this iteration.
	TaskTransitions int
}

// Level grades overall process health.
type Level int

const (
	Green Level = iota
	Yellow
	Red
)

func (l Level) String() string {
	switch l {
	case Green:
		return "GREEN"
	case Yellow:
		return "YELLOW"
	}
	return "RED"
}

// emaAlpha weights new observations in the velocity average.
const emaAlpha = 0.3

// Metrics accumulates per-iteration health measurements.
type Metrics struct {
	velocity      float64
	haveVelocity  bool
	lastProgress  int
	haveProgress  bool
	lastSurface   string
	surfaceStalls int
	filesTouched  int
	churn         float64
}

// Observe folds one iteration's measurements in.
func (m *Metrics) Observe(o Observation) {
	if m.haveProgress {
		delta := float64(o.PassedPlusBlocked - m.lastProgress)
		if m.haveVelocity {
			m.velocity = emaAlpha*delta + (1-emaAlpha)*m.velocity
		} else {
			m.velocity = delta
			m.haveVelocity = true
		}
	}
	m.lastProgress = o.PassedPlusBlocked
	m.haveProgress = true

	if o.ErrorSurface != "" {
		if o.ErrorSurface == m.lastSurface {
			m.surfaceStalls++
		} else {
			m.surfaceStalls = 0
		}
		m.lastSurface = o.ErrorSurface
	}

	m.filesTouched = o.FilesTouched
	m.churn = emaAlpha*float64(o.TaskTransitions) + (1-emaAlpha)*m.churn
}

// Velocity returns the EMA of per-iteration progress delta.
func (m *Metrics) Velocity() float64 { return m.velocity }

// FixConverging reports whether recent fixes are changing the error surface.
func (m *Metrics) FixConverging() bool { return m.surfaceStalls < 2 }

// Assess grades the current health. Red demands a strategy change (subject
// to the limiter); yellow is logged only.
func (m *Metrics) Assess() Level {
	if !m.haveVelocity {
		return Green
	}
	red := 0
	yellow := 0

	switch {
	case m.velocity <= 0 && m.churn < 0.5:
		red++
	case m.velocity < 0.25:
		yellow++
	}
	if m.surfaceStalls >= 2 {
		red++
	} else if m.surfaceStalls == 1 {
		yellow++
	}
	if m.filesTouched == 1 && m.velocity <= 0 {
		// All recent effort concentrated in one file with nothing to show.
		yellow++
	}

	switch {
	case red > 0:
		return Red
	case yellow > 0:
		return Yellow
	}
	return Green
}
