package job

import (
	"errors"
	"testing"

	"github.com/matryer/is"
)

type fakeDetector struct{ name string }

func TestProcessBuilderFreeze(t *testing.T) {
	is := is.New(t)
	b := NewProcessBuilder()
	is.NoErr(b.Set(KeyVAD, &fakeDetector{name: "silero"}))
	is.NoErr(b.Set("threshold", 0.5))

	proc := b.Freeze()

	err := b.Set("late", 1)
	is.True(errors.Is(err, ErrFrozen)) // no writes after freeze

	_, ok := proc.Get("late")
	is.True(!ok)
	is.Equal(proc.Keys(), []string{"threshold", KeyVAD})
}

func TestProcessSnapshotIsIndependent(t *testing.T) {
	is := is.New(t)
	b := NewProcessBuilder()
	is.NoErr(b.Set("a", 1))
	first := b.Freeze()
	second := b.Freeze()

	v1, _ := first.Get("a")
	v2, _ := second.Get("a")
	is.Equal(v1, v2)
}

func TestResource(t *testing.T) {
	b := NewProcessBuilder()
	det := &fakeDetector{name: "silero"}
	if err := b.Set(KeyVAD, det); err != nil {
		t.Fatal(err)
	}
	proc := b.Freeze()

	t.Run("typed lookup", func(t *testing.T) {
		is := is.New(t)
		got, err := Resource[*fakeDetector](proc, KeyVAD)
		is.NoErr(err)
		is.Equal(got, det)
	})

	t.Run("missing key", func(t *testing.T) {
		is := is.New(t)
		_, err := Resource[*fakeDetector](proc, "nope")
		is.True(errors.Is(err, ErrResourceNotFound))
	})

	t.Run("wrong type", func(t *testing.T) {
		is := is.New(t)
		_, err := Resource[string](proc, KeyVAD)
		is.True(err != nil)
	})

	t.Run("nil process", func(t *testing.T) {
		is := is.New(t)
		_, err := Resource[*fakeDetector](nil, KeyVAD)
		is.True(errors.Is(err, ErrResourceNotFound))
	})
}

func TestProcessBuilderRejectsEmptyKey(t *testing.T) {
	is := is.New(t)
	is.True(NewProcessBuilder().Set("", 1) != nil)
}
