package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/gateway/stub"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/recorder"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/task"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
)

type memoryRecorder struct {
	records []recorder.Record
}

func (r *memoryRecorder) Write(_ context.Context, rec recorder.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRecorder) Close() error { return nil }

func newTestClient(t *testing.T) (*Client, *memoryRecorder) {
	rc, err := config.NewRuntimeConfig(config.Config{
		Control: config.Control{MaxSteps: 5},
		Intersections: []config.Intersection{{
			ID:     "J6",
			Phases: []int32{0, 2},
			Yellow: map[int32]int32{0: 1, 2: 3},
		}},
	})
	require.NoError(t, err)
	env, err := task.NewEnv(context.Background(), rc, stub.NewCross("J6"), nil)
	require.NoError(t, err)

	rec := &memoryRecorder{}
	pattern, handler := NewEnvServiceHandler(New(env, rec, "run-1"))
	mux := http.NewServeMux()
	mux.Handle(pattern, handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewClient(server.Client(), server.URL), rec
}

func TestSpec(t *testing.T) {
	c, _ := newTestClient(t)
	spec, err := c.Spec(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3*4+2, spec.ObservationSize)
	assert.Equal(t, []int{2, 4}, spec.ActionShape)
	assert.Equal(t, []int32{15, 30, 45, 60}, spec.DurationOptions)
	require.Len(t, spec.Intersections, 1)
	assert.Equal(t, IntersectionSpec{ID: "J6", Phases: []int32{0, 2}, Edges: []string{"J6_n", "J6_s", "J6_e", "J6_w"}}, spec.Intersections[0])
	assert.Equal(t, int32(5), spec.MaxSteps)
}

func TestEpisodeOverRPC(t *testing.T) {
	c, rec := newTestClient(t)
	ctx := context.Background()

	_, err := c.Step(ctx, []int{0, 0})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	obs, err := c.Reset(ctx)
	require.NoError(t, err)
	assert.Len(t, obs, 14)

	_, err = c.Step(ctx, []int{0})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	var res *StepResponse
	for range 5 {
		res, err = c.Step(ctx, []int{1, 5})
		require.NoError(t, err)
		assert.Len(t, res.Observation, 14)
	}
	assert.True(t, res.Terminated)
	assert.Contains(t, res.Info, "wait_time/passenger")

	_, err = c.Step(ctx, []int{1, 0})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	require.Len(t, rec.records, 1)
	assert.Equal(t, "run-1", rec.records[0].RunID)
	assert.Equal(t, int32(5), rec.records[0].Steps)
}
