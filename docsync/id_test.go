package docsync

import (
	"regexp"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	uuidPattern := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	seen := map[Id]bool{}
	previous := ""
	for i := 0; i < 100; i += 1 {
		id := NewId()
		assert.Equal(t, false, seen[id])
		seen[id] = true

		s := id.String()
		assert.Equal(t, true, uuidPattern.MatchString(s))
		// time-ordered within a run
		assert.Equal(t, true, previous <= s)
		previous = s
	}
}
