package control

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func sagaInput() StartGraphSagaInput {
	return StartGraphSagaInput{
		GraphID: "g-1",
		Subsets: []RemoteSubset{
			{AppURI: "msgpack://10.0.0.2:8001/", GraphJSON: []byte(`{"nodes":[]}`)},
			{AppURI: "msgpack://10.0.0.3:8001/", GraphJSON: []byte(`{"nodes":[]}`)},
		},
	}
}

func TestStartGraphWorkflowAllRemotesAcknowledge(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(StartGraphWorkflow)

	a := &Activities{}
	env.RegisterActivity(a)
	env.OnActivity(activityForwardSubgraph, mock.Anything, "g-1", mock.Anything).Return(nil).Twice()

	env.ExecuteWorkflow(StartGraphWorkflow, sagaInput())
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result StartGraphSagaResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "g-1", result.GraphID)
	assert.Len(t, result.Started, 2)
	env.AssertExpectations(t)
}

func TestStartGraphWorkflowRollsBackAcknowledgedRemotes(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(StartGraphWorkflow)

	a := &Activities{}
	env.RegisterActivity(a)

	in := sagaInput()
	env.OnActivity(activityForwardSubgraph, mock.Anything, "g-1", in.Subsets[0]).Return(nil).Once()
	env.OnActivity(activityForwardSubgraph, mock.Anything, "g-1", in.Subsets[1]).
		Return(errors.New("connection refused")).Once()
	// The remote that acknowledged gets compensated.
	env.OnActivity(activityRollbackRemoteGraph, mock.Anything, "g-1", in.Subsets[0].AppURI).
		Return(nil).Once()

	env.ExecuteWorkflow(StartGraphWorkflow, in)
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}
