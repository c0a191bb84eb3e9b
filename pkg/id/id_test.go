package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPrefixed(t *testing.T) {
	v := New("TXN")
	assert.True(t, strings.HasPrefix(v, "TXN_"))
	assert.Len(t, v, len("TXN_")+26)
}

func TestNewSortsByCreation(t *testing.T) {
	prev := New("")
	for i := 0; i < 100; i++ {
		next := New("")
		assert.Less(t, prev, next)
		prev = next
	}
}
