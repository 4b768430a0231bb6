package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, uint32(25), ClampU32(1, 25, 800))
	assert.Equal(t, uint32(800), ClampU32(9000, 25, 800))
	assert.Equal(t, uint32(550), ClampU32(550, 25, 800))

	assert.Equal(t, uint8(5), ClampU8(0, 5, 100))
	assert.Equal(t, uint8(100), ClampU8(255, 5, 100))
}

func TestAlignDown(t *testing.T) {
	assert.Equal(t, uint32(0x1000), AlignDown(0x1FFF, 0x1000))
	assert.Equal(t, uint32(0x1000), AlignDown(0x1000, 0x1000))
	assert.Equal(t, uint32(0), AlignDown(0xFFF, 0x1000))
}
