package presence

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var hexColor = regexp.MustCompile(`^#[0-9a-f]{6}$`)

func TestColorForIsDeterministic(t *testing.T) {
	// Two independent sessions for the same user must agree without any
	// coordination.
	first := ColorFor("user-42")
	second := ColorFor("user-42")
	assert.Equal(t, first, second)
}

func TestColorForDistinguishesUsers(t *testing.T) {
	a := ColorFor("user-a")
	b := ColorFor("user-b")
	assert.NotEqual(t, a.Primary, b.Primary)
}

func TestColorTupleIsWellFormed(t *testing.T) {
	c := ColorFor("someone@example.com")
	for _, v := range []string{c.Primary, c.Selection, c.Dimmed, c.Text} {
		assert.Regexp(t, hexColor, v)
	}
}
