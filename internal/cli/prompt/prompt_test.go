package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfirmWithForceSkipsPrompt(t *testing.T) {
	ok, err := ConfirmWithForce("Erase flash.img?", true)
	assert.NoError(t, err)
	assert.True(t, ok)
}
