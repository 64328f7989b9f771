package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutineRevisionCloneIsIndependent(t *testing.T) {
	original := &RoutineRevision{
		Configuration: RoutineConfiguration{
			Inputs:  []RoutineInput{{ReferenceID: "in1"}},
			Outputs: []RoutineOutput{{ReferenceID: "out1"}},
		},
	}
	clone := original.Clone()
	clone.Configuration.Inputs[0].ReferenceID = "changed"

	assert.Equal(t, "in1", original.Configuration.Inputs[0].ReferenceID)
	assert.Equal(t, "changed", clone.Configuration.Inputs[0].ReferenceID)
}

func TestRoutineRevisionCloneHandlesEmptySlices(t *testing.T) {
	original := &RoutineRevision{ExternalID: "r1"}
	clone := original.Clone()
	assert.Equal(t, "r1", clone.ExternalID)
	assert.Empty(t, clone.Configuration.Inputs)
	assert.Empty(t, clone.Configuration.Outputs)
}
