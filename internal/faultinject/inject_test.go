package faultinject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{name: "minimal", uri: "inject://dev0"},
		{name: "full", uri: "inject://dev0?domain=nexus_child&op=write&stage=submit&method=status&begin_at=0&end_at=1000&offset=10&num_blk=5&retries=2"},
		{name: "bad scheme", uri: "http://dev0", wantErr: true},
		{name: "bad domain", uri: "inject://dev0?domain=bogus", wantErr: true},
		{name: "begin after end", uri: "inject://dev0?begin_at=100&end_at=10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj, err := Parse(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "dev0", inj.Device)
		})
	}
}

func TestInjectionMatchRespectsRetries(t *testing.T) {
	inj, err := Parse("inject://dev0?op=write&stage=submit&retries=2")
	require.NoError(t, err)

	assert.True(t, inj.Match("dev0", OpWrite, StageSubmission, 0, 1))
	assert.True(t, inj.Match("dev0", OpWrite, StageSubmission, 0, 1))
	assert.False(t, inj.Match("dev0", OpWrite, StageSubmission, 0, 1), "should self-disarm after retries exhausted")
	assert.Equal(t, uint64(2), inj.Hits())
}

func TestInjectionMatchFiltersByDeviceOpStageAndRange(t *testing.T) {
	inj, err := Parse("inject://dev0?op=read&stage=submit&offset=100&num_blk=10")
	require.NoError(t, err)

	assert.False(t, inj.Match("dev1", OpRead, StageSubmission, 100, 1), "wrong device")
	assert.False(t, inj.Match("dev0", OpWrite, StageSubmission, 100, 1), "wrong op")
	assert.False(t, inj.Match("dev0", OpRead, StageCompletion, 100, 1), "wrong stage")
	assert.False(t, inj.Match("dev0", OpRead, StageSubmission, 200, 1), "outside block range")
	assert.True(t, inj.Match("dev0", OpRead, StageSubmission, 105, 1))
}

func TestRegistryCheckFindsArmedInjection(t *testing.T) {
	r := NewRegistry()
	_, err := r.Arm("inject://dev0?op=write&stage=submit")
	require.NoError(t, err)

	inj, hit := r.Check("dev0", OpWrite, StageSubmission, 0, 1)
	assert.True(t, hit)
	assert.NotNil(t, inj)

	r.Disarm("dev0")
	_, hit = r.Check("dev0", OpWrite, StageSubmission, 0, 1)
	assert.False(t, hit)
}
