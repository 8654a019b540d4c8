package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceClassPrecedence(t *testing.T) {
	assert.Greater(t, ClassAuthoritative.Precedence(), ClassDigimap.Precedence())
	assert.Greater(t, ClassDigimap.Precedence(), ClassOSM.Precedence())
	assert.Greater(t, ClassOSM.Precedence(), ClassOther.Precedence())
	assert.Equal(t, 0, SourceClass("mystery").Precedence())
}
