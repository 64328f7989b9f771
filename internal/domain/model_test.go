package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalModelStateReady(t *testing.T) {
	cases := []struct {
		name  string
		state LocalModelState
		want  bool
	}{
		{"processed", LocalModelState{Processed: true}, true},
		{"failed parse is stable", LocalModelState{State: StateFailedParse}, true},
		{"discovered is not stable", LocalModelState{State: StateDiscovered}, false},
		{"file present unparsed is not stable", LocalModelState{State: StateFilePresentUnparsed}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.state.Ready())
		})
	}
}

func TestLocalModelStateCloneIsIndependent(t *testing.T) {
	original := &LocalModelState{
		DependencyFiles: []DependencyFile{{FileID: 1, LocalPath: "/a"}},
	}
	clone := original.Clone()
	clone.DependencyFiles[0].LocalPath = "/b"

	assert.Equal(t, "/a", original.DependencyFiles[0].LocalPath)
	assert.Equal(t, "/b", clone.DependencyFiles[0].LocalPath)
}

func TestLocalModelStateCloneHandlesNilDependencies(t *testing.T) {
	original := &LocalModelState{LocalFilePath: "/a"}
	clone := original.Clone()
	assert.Nil(t, clone.DependencyFiles)
	assert.Equal(t, "/a", clone.LocalFilePath)
}

func TestDependencyByFileID(t *testing.T) {
	state := &LocalModelState{
		DependencyFiles: []DependencyFile{{FileID: 1}, {FileID: 2, LocalPath: "/b"}},
	}

	dep, ok := state.DependencyByFileID(2)
	assert.True(t, ok)
	assert.Equal(t, "/b", dep.LocalPath)

	_, ok = state.DependencyByFileID(99)
	assert.False(t, ok)
}

func TestDependencyFileExists(t *testing.T) {
	assert.True(t, DependencyFile{LocalPath: "/x"}.Exists())
	assert.False(t, DependencyFile{}.Exists())
}

func TestLocalStateString(t *testing.T) {
	assert.Equal(t, "discovered", StateDiscovered.String())
	assert.Equal(t, "parsed_processed", StateParsedProcessed.String())
	assert.Equal(t, "unknown", LocalState(99).String())
}
