package topicrouter

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWildcardFanOut is scenario S5 from spec.md §8: the canonical
// RabbitMQ topics tutorial layout, where a single "all the rabbits"
// queue holds two bindings (*.*.rabbit and lazy.#) alongside an
// independent "all the oranges" queue bound to *.orange.*.
func TestWildcardFanOut(t *testing.T) {
	r := New()

	var orangeStar, rabbits []string
	recordTo := func(bucket *[]string, name string) Handler {
		return func(topic string, payload any) error {
			*bucket = append(*bucket, name)
			return nil
		}
	}

	allRabbits := recordTo(&rabbits, "all-the-rabbits")
	r.Insert("*.orange.*", recordTo(&orangeStar, "orange-star"))
	r.Insert("*.*.rabbit", allRabbits)
	r.Insert("lazy.#", allRabbits)

	matches := r.Match("quick.orange.rabbit")
	require.Len(t, matches, 2)

	matches = r.Match("lazy.pink.rabbit")
	require.Len(t, matches, 1)

	matches = r.Match("orange")
	require.Len(t, matches, 0)
}

func TestHashMatchesZeroWords(t *testing.T) {
	r := New()
	var got []string
	r.Insert("lazy.#", func(topic string, payload any) error {
		got = append(got, topic)
		return nil
	})

	r.Dispatch("lazy", nil)
	assert.Equal(t, []string{"lazy"}, got)
}

func TestStarMatchesExactlyOneWord(t *testing.T) {
	r := New()
	hit := false
	r.Insert("a.*.c", func(string, any) error { hit = true; return nil })

	r.Dispatch("a.b.c", nil)
	assert.True(t, hit)

	hit = false
	r.Dispatch("a.b.b.c", nil)
	assert.False(t, hit, "* must consume exactly one word")
}

func TestDeduplicatesSameHandlerAcrossPatterns(t *testing.T) {
	r := New()
	calls := 0
	h := func(string, any) error { calls++; return nil }

	r.Insert("#", h)
	r.Insert("a.b.c", h)

	r.Dispatch("a.b.c", nil)
	assert.Equal(t, 1, calls)
}

func TestRemove(t *testing.T) {
	r := New()
	calls := 0
	h := func(string, any) error { calls++; return nil }

	r.Insert("a.b", h)
	r.Dispatch("a.b", nil)
	require.Equal(t, 1, calls)

	r.Remove("a.b", h)
	r.Dispatch("a.b", nil)
	assert.Equal(t, 1, calls, "handler should not fire after Remove")
}

func TestDispatchRunsEveryHandlerAndJoinsErrors(t *testing.T) {
	r := New()
	boom := errors.New("boom")
	calls := 0

	r.Insert("a.*", func(string, any) error { calls++; return boom })
	r.Insert("a.#", func(string, any) error { calls++; return nil })

	err := r.Dispatch("a.b", nil)
	assert.Equal(t, 2, calls, "a failing handler must not stop the others from running")
	assert.ErrorIs(t, err, boom)
}

func TestDispatchReturnsNilWhenNoHandlerFails(t *testing.T) {
	r := New()
	r.Insert("a.b", func(string, any) error { return nil })

	assert.NoError(t, r.Dispatch("a.b", nil))
}

func TestDispatchReachesEveryExactPatternHandler(t *testing.T) {
	r := New()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		n := name
		r.Insert("multi."+n, func(string, any) error { order = append(order, n); return nil })
	}

	r.Dispatch("multi.first", nil)
	r.Dispatch("multi.second", nil)
	r.Dispatch("multi.third", nil)

	sorted := append([]string(nil), order...)
	sort.Strings(sorted)
	assert.ElementsMatch(t, []string{"first", "second", "third"}, sorted)
}
