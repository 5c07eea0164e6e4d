package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAck(t *testing.T) {
	tests := []struct {
		line string
		want ackKind
	}{
		{">> Message sent to bot-0001-2.", ackDelivered},
		{">> bot-0001-2 is currently offline. They will be notified of your message next time they login.", ackQueued},
		{">> Sorry the user bot-0001-9 does not exist.", ackRejected},
		{">> bot-0001-3: lorem ipsum", ackNone},
		{">> Users: bot-0001-0, bot-0001-1", ackNone},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyAck(tt.line))
		})
	}
}

func TestBotHandleIsValid(t *testing.T) {
	handle := botHandle(42, 7)
	assert.Equal(t, "bot-0042-7", handle)
	assert.Equal(t, strings.ToLower(handle), handle)
}

func TestRandomBodyUsesLoremWords(t *testing.T) {
	words := strings.Fields(randomBody())
	assert.GreaterOrEqual(t, len(words), 5)
	assert.LessOrEqual(t, len(words), 20)
	for _, w := range words {
		assert.Contains(t, loremWords, w)
	}
}

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	s.recordAck(false, 1000)
	s.recordAck(true, 3000)
	s.recordTimeout()

	acked, failed, received, connErrors, avgUs := s.snapshot()
	assert.Equal(t, int64(2), acked)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(0), received)
	assert.Equal(t, int64(0), connErrors)
	assert.Equal(t, 2000.0, avgUs)
}
