package convcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world!", 3},
		{"привет", 6},
		{"你好", 2},
		{"hi 你好", 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.text), tt.text)
	}
}

func TestEstimateMessageTokens(t *testing.T) {
	msgs := []Message{{Content: "abcd"}, {Content: "abcde"}}
	assert.Equal(t, 3, EstimateMessageTokens(msgs))
	assert.Zero(t, EstimateMessageTokens(nil))
}
