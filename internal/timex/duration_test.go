package timex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{name: "string", in: `"15m"`, want: 15 * time.Minute},
		{name: "hours", in: `"168h"`, want: 7 * 24 * time.Hour},
		{name: "days", in: `"7d"`, want: 7 * 24 * time.Hour},
		{name: "nanoseconds", in: `1000000000`, want: time.Second},
		{name: "bad string", in: `"soon"`, wantErr: true},
		{name: "bool", in: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Duration{time.Hour})
	require.NoError(t, err)
	assert.JSONEq(t, `"1h0m0s"`, string(b))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration(" 1h ")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	d, err = ParseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	_, err = ParseDuration("-1d")
	assert.Error(t, err)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
}
