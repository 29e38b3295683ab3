package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTopic(t *testing.T) {
	valid := []string{
		"resource:abc",
		"resource:abc:messages",
		"mission:01HXYZ",
		"spec:my-spec_v1.2",
		"execution:e1",
		"system",
		"resource:*",
		"resource:**",
	}
	for _, topic := range valid {
		assert.NoError(t, ValidateTopic(topic), topic)
	}

	invalid := []string{
		"",
		"unknown:abc",
		"resource:",
		"resource:a b",
		"resource::abc",
		"resource:a/b",
		"resource:ab*",
	}
	for _, topic := range invalid {
		assert.ErrorIs(t, ValidateTopic(topic), ErrInvalidTopic, topic)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"resource:abc", "resource:abc", true},
		{"resource:abc", "resource:abc:messages", true},
		{"resource:abc", "resource:abcd", false},
		{"resource:abc:messages", "resource:abc", false},
		{"resource", "resource:abc", true},
		{"resource:*", "resource:abc", true},
		{"resource:*", "resource:abc:messages", false},
		{"resource:**", "resource:abc:messages", true},
		{"mission:*", "resource:abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"->"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.topic))
		})
	}
}

func TestResourceIDFromTopic(t *testing.T) {
	id, ok := ResourceIDFromTopic("resource:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	id, ok = ResourceIDFromTopic("mission:m1:messages")
	assert.True(t, ok)
	assert.Equal(t, "m1", id)

	_, ok = ResourceIDFromTopic("resource:*")
	assert.False(t, ok)
	_, ok = ResourceIDFromTopic("execution:e1")
	assert.False(t, ok)
	_, ok = ResourceIDFromTopic("system")
	assert.False(t, ok)
}
