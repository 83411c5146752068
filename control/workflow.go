package control

import (
	"context"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/dataflowrt/core/graph"
	"github.com/dataflowrt/core/tenerr"
)

// TaskQueue is the Temporal task queue the control-plane worker listens
// on.
const TaskQueue = "dataflowrt-control"

// Activity names, registered by RegisterWorker and referenced by string so
// the workflow stays decoupled from the Activities receiver.
const (
	activityForwardSubgraph     = "ForwardSubgraph"
	activityRollbackRemoteGraph = "RollbackRemoteGraph"
)

// RemoteSubset is one remote app's share of a starting graph.
type RemoteSubset struct {
	AppURI    string `json:"app_uri"`
	GraphJSON []byte `json:"graph_json"`
}

// StartGraphSagaInput parameterizes StartGraphWorkflow.
type StartGraphSagaInput struct {
	GraphID string         `json:"graph_id"`
	Subsets []RemoteSubset `json:"subsets"`
}

// StartGraphSagaResult reports which remotes acknowledged.
type StartGraphSagaResult struct {
	GraphID string   `json:"graph_id"`
	Started []string `json:"started"`
}

// StartGraphWorkflow fans a graph's remote subsets out concurrently, waits
// for every forward to finish and, if any remote failed, compensates every
// remote that acknowledged. The local
// subset is the caller's responsibility; only cross-app coordination needs
// durability.
func StartGraphWorkflow(ctx workflow.Context, in StartGraphSagaInput) (*StartGraphSagaResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	futures := make([]workflow.Future, len(in.Subsets))
	for i, subset := range in.Subsets {
		futures[i] = workflow.ExecuteActivity(ctx, activityForwardSubgraph, in.GraphID, subset)
	}

	var started []string
	var failed error
	for i, f := range futures {
		if err := f.Get(ctx, nil); err != nil {
			if failed == nil {
				failed = err
			}
			continue
		}
		started = append(started, in.Subsets[i].AppURI)
	}
	if failed != nil {
		for _, uri := range started {
			if err := workflow.ExecuteActivity(ctx, activityRollbackRemoteGraph, in.GraphID, uri).Get(ctx, nil); err != nil {
				workflow.GetLogger(ctx).Warn("rollback failed", "app_uri", uri, "error", err)
			}
		}
		return nil, failed
	}
	return &StartGraphSagaResult{GraphID: in.GraphID, Started: started}, nil
}

// Activities implements the saga's two activities against a live
// Controller.
type Activities struct {
	Controller *Controller
}

// ForwardSubgraph delivers one remote's subset and waits for its
// acknowledgement.
func (a *Activities) ForwardSubgraph(ctx context.Context, graphID string, subset RemoteSubset) error {
	spec, err := graph.ParseSpec(subset.GraphJSON)
	if err != nil {
		return err
	}
	return a.Controller.ForwardSubgraph(ctx, graphID, subset.AppURI, spec)
}

// RollbackRemoteGraph compensates an acknowledged remote during an
// aborting start.
func (a *Activities) RollbackRemoteGraph(ctx context.Context, graphID, appURI string) error {
	a.Controller.RollbackRemoteGraph(ctx, graphID, appURI)
	return nil
}

// DialTemporal opens a Temporal client with the OTEL tracing interceptor
// installed, so saga spans join the runtime's own traces.
func DialTemporal(opts client.Options) (client.Client, error) {
	ti, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return nil, tenerr.Wrap(tenerr.ConnectionFailed, err, "building temporal tracing interceptor")
	}
	opts.Interceptors = append(opts.Interceptors, ti)
	c, err := client.Dial(opts)
	if err != nil {
		return nil, tenerr.Wrap(tenerr.ConnectionFailed, err, "dialing temporal at %s", opts.HostPort)
	}
	return c, nil
}

// RegisterWorker builds the control-plane worker: the saga workflow plus
// its activities bound to ctl. The caller starts and stops it.
func RegisterWorker(c client.Client, ctl *Controller, wopts worker.Options) worker.Worker {
	w := worker.New(c, TaskQueue, wopts)
	w.RegisterWorkflow(StartGraphWorkflow)
	w.RegisterActivity(&Activities{Controller: ctl})
	return w
}

// StartGraphDurable runs the remote fan-out of a starting graph through
// the Temporal saga instead of the in-process synchronous path, for
// deployments that configure a Temporal endpoint. The local subset must
// already be built by the caller (Controller.StartGraph handles the
// common case; this entry point exists for controllers that split local
// and remote phases).
func (c *Controller) StartGraphDurable(ctx context.Context, tc client.Client, graphID string, spec graph.Spec) (*StartGraphSagaResult, error) {
	var subsets []RemoteSubset
	for _, uri := range spec.RemoteApps(c.app.URI) {
		doc, err := spec.SubsetFor(uri, c.app.URI).Marshal()
		if err != nil {
			return nil, err
		}
		subsets = append(subsets, RemoteSubset{AppURI: uri, GraphJSON: doc})
	}
	run, err := tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    "start-graph-" + graphID,
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, StartGraphWorkflow, StartGraphSagaInput{GraphID: graphID, Subsets: subsets})
	if err != nil {
		return nil, tenerr.Wrap(tenerr.ConnectionFailed, err, "starting graph saga for %q", graphID)
	}
	var result StartGraphSagaResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
