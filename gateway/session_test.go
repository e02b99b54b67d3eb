package gateway

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestSession_RecordSequence(t *testing.T) {
	t.Parallel()

	s := newSession(DefaultGatewayURL)
	_, ok := s.Sequence()
	assert.False(t, ok, "sequence should start absent")

	assert.True(t, s.RecordSequence(0))
	n, ok := s.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(0), n)

	for _, v := range []int64{1, 2, 5, 5} {
		assert.True(t, s.RecordSequence(v))
	}
	assert.False(t, s.RecordSequence(3))
	n, _ = s.Sequence()
	assert.Equal(t, int64(5), n)

	s.Reset()
	_, ok = s.Sequence()
	assert.False(t, ok)
	assert.True(t, s.RecordSequence(1))
}

func TestSession_RecordReady(t *testing.T) {
	t.Parallel()

	s := newSession(DefaultGatewayURL)
	assert.False(t, s.Valid())
	assert.Equal(t, DefaultGatewayURL, s.URL())

	s.RecordReady("abc", "wss://resume.example")
	assert.True(t, s.Valid())
	assert.Equal(t, "wss://resume.example", s.URL())

	s.RecordReady("def", "")
	assert.Equal(t, DefaultGatewayURL, s.URL())

	s.RecordSequence(7)
	snap := s.Snapshot()
	assert.Equal(
		t,
		SessionSnapshot{
			ID:          "def",
			Sequence:    7,
			HasSequence: true,
			ResumeURL:   DefaultGatewayURL,
		},
		snap,
	)

	s.Reset()
	assert.False(t, s.Valid())
	assert.Equal(t, SessionSnapshot{ResumeURL: DefaultGatewayURL}, s.Snapshot())
}
