package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	assert.Equal(t, "group:123", Build("u1", "123"))
	assert.Equal(t, "private:u1", Build("u1", ""))
}

func TestParse(t *testing.T) {
	kind, id := Parse("group:-10099")
	assert.Equal(t, KindGroup, kind)
	assert.Equal(t, "-10099", id)

	kind, id = Parse("private:u42")
	assert.Equal(t, KindPrivate, kind)
	assert.Equal(t, "u42", id)

	for _, bad := range []string{"", "group:", "agent:x:y", "groupp:1"} {
		kind, id = Parse(bad)
		assert.Empty(t, kind, bad)
		assert.Empty(t, id, bad)
	}
}

func TestIsGroup(t *testing.T) {
	assert.True(t, IsGroup("group:1"))
	assert.False(t, IsGroup("private:1"))
	assert.False(t, IsGroup("bogus"))
}
