package vad

import "sync"

// Event is the outcome of observing one frame.
type Event int

const (
	None Event = iota
	UtteranceStart
	UtteranceEnd
)

func (e Event) String() string {
	switch e {
	case UtteranceStart:
		return "utterance_start"
	case UtteranceEnd:
		return "utterance_end"
	default:
		return "none"
	}
}

// Tracker keeps a sliding window of frame decisions and reports transitions
// between silence and speech. The window is never cleared on a transition.
type Tracker struct {
	classifier *Classifier
	ratio      float64

	mu       sync.Mutex
	window   []Decision
	next     int
	filled   int
	voiced   int
	speaking bool
}

// NewTracker creates a tracker with a window of size frames. An utterance
// starts when the voiced fraction of the window rises above startRatio and
// ends when it falls back to or below it.
func NewTracker(classifier *Classifier, size int, startRatio float64) *Tracker {
	if size <= 0 {
		size = 1
	}
	return &Tracker{
		classifier: classifier,
		ratio:      startRatio,
		window:     make([]Decision, size),
	}
}

// Observe classifies frame, pushes the decision into the window and reports
// whether an utterance started or ended.
func (t *Tracker) Observe(frame []byte) Event {
	return t.Push(t.classifier.Classify(frame))
}

// Push records an already classified frame.
func (t *Tracker) Push(d Decision) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filled == len(t.window) {
		if t.window[t.next] == Voiced {
			t.voiced--
		}
	} else {
		t.filled++
	}
	t.window[t.next] = d
	if d == Voiced {
		t.voiced++
	}
	t.next = (t.next + 1) % len(t.window)

	// Missing entries of a partially filled window count as silent.
	fraction := float64(t.voiced) / float64(len(t.window))
	switch {
	case fraction > t.ratio && !t.speaking:
		t.speaking = true
		return UtteranceStart
	case fraction <= t.ratio && t.speaking:
		t.speaking = false
		return UtteranceEnd
	}
	return None
}

// Speaking reports whether an utterance is in progress.
func (t *Tracker) Speaking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speaking
}

// VoicedFraction returns the voiced share of the window.
func (t *Tracker) VoicedFraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.voiced) / float64(len(t.window))
}
