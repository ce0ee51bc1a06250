package vad

import (
	"encoding/binary"
	"math/rand"
	"testing"
)

const testFrameSamples = 320

// frame returns a PCM16LE frame alternating +amp/-amp, whose RMS is amp.
func frame(amp int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func newTestTracker() *Tracker {
	return NewTracker(NewClassifier(400, testFrameSamples), 8, 0.6)
}

func TestClassify(t *testing.T) {
	c := NewClassifier(400, testFrameSamples)

	if got := c.Classify(frame(1000, testFrameSamples)); got != Voiced {
		t.Fatalf("expected voiced, got %v", got)
	}
	if got := c.Classify(frame(100, testFrameSamples)); got != Silent {
		t.Fatalf("expected silent, got %v", got)
	}
	if got := c.Classify(frame(400, testFrameSamples)); got != Silent {
		t.Fatalf("energy equal to threshold must be silent, got %v", got)
	}
	if got := c.Classify(frame(5000, testFrameSamples-1)); got != Silent {
		t.Fatalf("short frame must be silent, got %v", got)
	}
	if got := c.Classify(nil); got != Silent {
		t.Fatalf("empty frame must be silent, got %v", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(frame(300, 10)); got != 300 {
		t.Fatalf("expected 300, got %v", got)
	}
	if got := RMS([]byte{1}); got != 0 {
		t.Fatalf("expected 0 for a partial sample, got %v", got)
	}
}

func TestSubThresholdNeverStarts(t *testing.T) {
	tr := newTestTracker()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		amp := int16(rng.Intn(400))
		if ev := tr.Observe(frame(amp, testFrameSamples)); ev != None {
			t.Fatalf("frame %d: unexpected event %v", i, ev)
		}
	}
}

func TestRiseAndFallEmitsOneStartThenOneEnd(t *testing.T) {
	tr := newTestTracker()
	var events []Event

	feed := func(amp int16, n int) {
		for i := 0; i < n; i++ {
			if ev := tr.Observe(frame(amp, testFrameSamples)); ev != None {
				events = append(events, ev)
			}
		}
	}

	feed(50, 25)   // 500ms silence
	feed(3000, 15) // 300ms speech
	feed(50, 25)   // 500ms silence

	if len(events) != 2 || events[0] != UtteranceStart || events[1] != UtteranceEnd {
		t.Fatalf("expected [start end], got %v", events)
	}
	if tr.Speaking() {
		t.Fatalf("tracker should not be speaking after trailing silence")
	}
}

func TestSingleVoicedFrameDoesNotStart(t *testing.T) {
	tr := newTestTracker()
	if ev := tr.Observe(frame(3000, testFrameSamples)); ev != None {
		t.Fatalf("a single loud frame must not start an utterance, got %v", ev)
	}
}

func TestStartRequiresStrictlyAboveRatio(t *testing.T) {
	tr := NewTracker(NewClassifier(400, testFrameSamples), 10, 0.6)

	for i := 0; i < 6; i++ {
		if ev := tr.Push(Voiced); ev != None {
			t.Fatalf("push %d: expected none at or below ratio, got %v", i, ev)
		}
	}
	if ev := tr.Push(Voiced); ev != UtteranceStart {
		t.Fatalf("expected start at 7/10, got %v", ev)
	}
}

func TestWindowNotResetOnEmission(t *testing.T) {
	tr := NewTracker(NewClassifier(400, testFrameSamples), 5, 0.6)

	for i := 0; i < 4; i++ {
		tr.Push(Voiced)
	}
	if !tr.Speaking() {
		t.Fatalf("expected speaking after 4/5 voiced")
	}
	if got := tr.VoicedFraction(); got != 0.8 {
		t.Fatalf("window should keep its contents after start, got %v", got)
	}

	// One silent frame evicts nothing yet (window not full): 4/5 still voiced.
	if ev := tr.Push(Silent); ev != None {
		t.Fatalf("unexpected event %v", ev)
	}
	// Evicts the oldest voiced entry: 3/5 = ratio, utterance ends.
	if ev := tr.Push(Silent); ev != UtteranceEnd {
		t.Fatalf("expected end at 3/5, got %v", ev)
	}
}

func TestRepeatedUtterances(t *testing.T) {
	tr := newTestTracker()
	starts, ends := 0, 0

	for round := 0; round < 3; round++ {
		for i := 0; i < 20; i++ {
			if tr.Observe(frame(2000, testFrameSamples)) == UtteranceStart {
				starts++
			}
		}
		for i := 0; i < 20; i++ {
			if tr.Observe(frame(10, testFrameSamples)) == UtteranceEnd {
				ends++
			}
		}
	}

	if starts != 3 || ends != 3 {
		t.Fatalf("expected 3 starts and 3 ends, got %d and %d", starts, ends)
	}
}
