package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestSpeechHandleInterrupt(t *testing.T) {
	is := is.New(t)
	h := NewSpeechHandle("hello there", true)
	is.True(strings.HasPrefix(h.ID(), "SH_"))
	is.Equal(h.Text(), "hello there")
	is.True(!h.IsInterrupted())

	is.True(h.Interrupt())
	is.True(h.Interrupt()) // repeat calls are harmless
	<-h.Interrupted()
	is.True(h.IsInterrupted())

	h.Finish(ErrInterrupted)
	is.True(errors.Is(h.Wait(context.Background()), ErrInterrupted))
	is.True(h.IsDone())
}

func TestSpeechHandleUninterruptible(t *testing.T) {
	is := is.New(t)
	h := NewSpeechHandle("greeting", false)
	is.True(!h.Interrupt())
	is.True(!h.IsInterrupted())
}

func TestSpeechHandleInterruptAfterDone(t *testing.T) {
	is := is.New(t)
	h := NewSpeechHandle("done already", true)
	h.Finish(nil)
	h.Finish(errors.New("ignored")) // first result wins
	is.True(!h.Interrupt())
	is.NoErr(h.Wait(context.Background()))
}

func TestSpeechHandleWaitContext(t *testing.T) {
	is := is.New(t)
	h := NewSpeechHandle("never finishes", true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	is.Equal(h.Wait(ctx), context.DeadlineExceeded)
}

func TestSpeechHandleUniqueIDs(t *testing.T) {
	is := is.New(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewSpeechHandle("x", true).ID()
		is.True(!seen[id])
		seen[id] = true
	}
}
