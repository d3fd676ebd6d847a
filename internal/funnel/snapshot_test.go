package funnel

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSnapshot(t *testing.T) {
	flow := DefaultFlow()

	tests := []struct {
		name    string
		data    string
		step    Step
		answers map[string]string
		wantErr bool
	}{
		{
			name:    "legacy flat answers",
			data:    `{"step":"q2","capital":"100k_300k"}`,
			step:    "q2",
			answers: map[string]string{"capital": "100k_300k"},
		},
		{
			name:    "nested answers win over flat",
			data:    `{"step":"q3","answers":{"capital":"under_100k","horizon":"long"},"capital":"800k_plus"}`,
			step:    "q3",
			answers: map[string]string{"capital": "under_100k", "horizon": "long"},
		},
		{
			name:    "page answer",
			data:    `{"step":"authority","trigger":"growth"}`,
			step:    "authority",
			answers: map[string]string{"trigger": "growth"},
		},
		{
			name:    "empty flat value ignored",
			data:    `{"step":"q1","capital":""}`,
			step:    "q1",
			answers: map[string]string{},
		},
		{name: "not json", data: `{"step":`, wantErr: true},
		{name: "array", data: `[1,2]`, wantErr: true},
		{name: "non-string answer", data: `{"step":"q2","capital":5}`, wantErr: true},
		{name: "wrong step type", data: `{"step":3}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := DecodeSnapshot([]byte(tt.data), flow)
			if tt.wantErr {
				assert.True(t, eris.Is(err, ErrMalformedSnapshot), err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.step, snap.Step)
			assert.Equal(t, tt.answers, snap.Answers)
		})
	}
}

func TestMemorySnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySnapshots()
	now := epoch
	s.now = func() time.Time { return now }

	data, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, data)

	buf := []byte(`{"step":"q1"}`)
	require.NoError(t, s.Save(ctx, "k", buf))
	buf[2] = 'X'
	data, err = s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"step":"q1"}`, string(data))

	now = epoch.Add(time.Hour)
	require.NoError(t, s.Save(ctx, "k2", []byte(`{}`)))
	assert.Equal(t, 2, s.Len())

	assert.Equal(t, 1, s.Prune(epoch.Add(time.Minute)))
	data, _ = s.Load(ctx, "k")
	assert.Nil(t, data)

	require.NoError(t, s.Delete(ctx, "k2"))
	assert.Zero(t, s.Len())
}
