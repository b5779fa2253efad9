package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/edu-etl/internal/config"
	"github.com/sells-group/edu-etl/internal/model"
)

type fakeSource struct {
	name      string
	endpoints []string
	err       error
	calls     []RunOpts
}

func (f *fakeSource) Name() string        { return f.name }
func (f *fakeSource) Endpoints() []string { return f.endpoints }

func (f *fakeSource) Run(_ context.Context, opts RunOpts) (*model.IngestionReport, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &model.IngestionReport{RunID: opts.RunID, Source: f.name, Endpoints: map[string]*model.EndpointReport{}}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(&config.Config{}, Deps{})
	assert.Equal(t, []string{"census", "urban"}, reg.AllNames())

	s, err := reg.Get("urban")
	require.NoError(t, err)
	assert.Equal(t, "urban", s.Name())

	_, err = reg.Get("fred")
	assert.Error(t, err)

	all, err := reg.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := reg.Select([]string{"census"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "census", one[0].Name())

	_, err = reg.Select([]string{"census", "nope"})
	assert.Error(t, err)
}

func TestEngine_RunsSourcesInOrderWithSharedRunID(t *testing.T) {
	a := &fakeSource{name: "a", endpoints: []string{"x"}}
	b := &fakeSource{name: "b", endpoints: []string{"y"}}
	reg := &Registry{}
	reg.Register(a)
	reg.Register(b)

	reports, err := NewEngine(reg).Run(context.Background(), EngineOpts{Years: []int{2020}})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "a", reports[0].Source)
	assert.Equal(t, "b", reports[1].Source)
	assert.Equal(t, reports[0].RunID, reports[1].RunID)
	assert.NotEmpty(t, reports[0].RunID)
	assert.Equal(t, []int{2020}, a.calls[0].Years)
	assert.Nil(t, a.calls[0].Endpoints)
}

func TestEngine_EndpointsRouteToOwningSource(t *testing.T) {
	a := &fakeSource{name: "a", endpoints: []string{"x", "z"}}
	b := &fakeSource{name: "b", endpoints: []string{"y"}}
	reg := &Registry{}
	reg.Register(a)
	reg.Register(b)

	reports, err := NewEngine(reg).Run(context.Background(), EngineOpts{Endpoints: []string{"z"}})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"z"}, a.calls[0].Endpoints)
	assert.Empty(t, b.calls)
}

func TestEngine_UnknownEndpointRejected(t *testing.T) {
	a := &fakeSource{name: "a", endpoints: []string{"x"}}
	reg := &Registry{}
	reg.Register(a)

	_, err := NewEngine(reg).Run(context.Background(), EngineOpts{Endpoints: []string{"x", "nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown endpoint "nope"`)
	assert.Empty(t, a.calls)
}

func TestEngine_SourceErrorStopsRun(t *testing.T) {
	a := &fakeSource{name: "a", endpoints: []string{"x"}, err: errors.New("store unreachable")}
	b := &fakeSource{name: "b", endpoints: []string{"y"}}
	reg := &Registry{}
	reg.Register(a)
	reg.Register(b)

	_, err := NewEngine(reg).Run(context.Background(), EngineOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: run a")
	assert.Empty(t, b.calls)
}

func TestEngine_UnknownSource(t *testing.T) {
	_, err := NewEngine(&Registry{}).Run(context.Background(), EngineOpts{Sources: []string{"nope"}})
	assert.Error(t, err)
}
