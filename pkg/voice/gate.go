// Package voice holds the playout-side primitives shared by the pipeline and
// the session: the microphone gate and speech handles.
package voice

import "sync/atomic"

// AudioGate decides whether inbound microphone frames are dropped while the
// assistant is talking. Frames are discarded only while a speech that does
// not allow interruptions is playing; interruptible speech keeps the
// microphone open so the user can barge in.
type AudioGate interface {
	// SetPlaying records the speech currently playing. Pass playing=false
	// when playout ends.
	SetPlaying(playing, allowInterruptions bool)

	// ShouldDiscardAudio reports whether the next microphone frame must be dropped.
	ShouldDiscardAudio() bool

	// Discarded returns how many frames Admit rejected.
	Discarded() int64

	// Admit is ShouldDiscardAudio with accounting: it returns true when the
	// frame may pass.
	Admit() bool
}

// NewAudioGate returns an open gate.
func NewAudioGate() AudioGate {
	return &defaultGate{}
}

type defaultGate struct {
	closed    atomic.Bool
	discarded atomic.Int64
}

func (g *defaultGate) SetPlaying(playing, allowInterruptions bool) {
	g.closed.Store(playing && !allowInterruptions)
}

func (g *defaultGate) ShouldDiscardAudio() bool {
	return g.closed.Load()
}

func (g *defaultGate) Discarded() int64 {
	return g.discarded.Load()
}

func (g *defaultGate) Admit() bool {
	if g.closed.Load() {
		g.discarded.Add(1)
		return false
	}
	return true
}
