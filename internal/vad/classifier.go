// Package vad detects utterance boundaries in a stream of PCM16 audio frames.
package vad

import (
	"encoding/binary"
	"math"
)

// Decision is the classification of a single audio frame.
type Decision int

const (
	Silent Decision = iota
	Voiced
)

func (d Decision) String() string {
	if d == Voiced {
		return "voiced"
	}
	return "silent"
}

// Classifier labels fixed-size PCM16LE mono frames by RMS energy.
type Classifier struct {
	Threshold    float64 // RMS in int16 amplitude units
	FrameSamples int     // expected samples per frame
}

// NewClassifier creates a classifier for frames of frameSamples samples.
func NewClassifier(threshold float64, frameSamples int) *Classifier {
	return &Classifier{Threshold: threshold, FrameSamples: frameSamples}
}

// Classify returns Voiced when the frame's RMS energy exceeds the threshold.
// Frames shorter than the expected sample count are Silent.
func (c *Classifier) Classify(frame []byte) Decision {
	if len(frame)/2 < c.FrameSamples || c.FrameSamples <= 0 {
		return Silent
	}
	if RMS(frame[:c.FrameSamples*2]) > c.Threshold {
		return Voiced
	}
	return Silent
}

// RMS computes the root mean square of little-endian int16 samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
