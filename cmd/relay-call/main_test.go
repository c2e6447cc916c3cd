package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBBox(t *testing.T) {
	box, err := parseBBox("")
	require.NoError(t, err)
	assert.Nil(t, box)

	box, err = parseBBox("10, 20.5,,40")
	require.NoError(t, err)
	require.NotNil(t, box.X1)
	assert.Equal(t, 10.0, *box.X1)
	assert.Equal(t, 20.5, *box.Y1)
	assert.Nil(t, box.X2)
	assert.Equal(t, 40.0, *box.Y2)

	_, err = parseBBox("1,2,3")
	assert.Error(t, err)
	_, err = parseBBox("1,2,3,x")
	assert.Error(t, err)
}
