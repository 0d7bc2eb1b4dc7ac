package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0B", 0},
		{"1B", 1},
		{"512K", 512 << 10},
		{"3M", 3 << 20},
		{"4G", 4 << 30},
		{"2T", 2 << 40},
		{"4096M", 4096 << 20},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.Bytes(), tc.in)
	}
}

func TestParseSizeErrors(t *testing.T) {
	for _, in := range []string{"", "4", "4096", "G", "4X", "-1G", "1.5G", "G4"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}

func TestSizeMegabytes(t *testing.T) {
	s, err := ParseSize("4G")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), s.Megabytes())
}

func TestSizeYAML(t *testing.T) {
	var out struct {
		RAM Size `yaml:"ram"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("ram: 8G\n"), &out))
	assert.Equal(t, int64(8)<<30, out.RAM.Bytes())

	// A bare number must not silently mean bytes.
	assert.Error(t, yaml.Unmarshal([]byte("ram: 8589934592\n"), &out))
}

func TestDurationYAML(t *testing.T) {
	var out struct {
		Interval Duration `yaml:"interval"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("interval: 15m\n"), &out))
	assert.Equal(t, 15*time.Minute, out.Interval.Std())

	assert.Error(t, yaml.Unmarshal([]byte("interval: soon\n"), &out))
}
