package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calview/calview/internal/configstore"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/pageconfig"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRunner) Submit(ctx context.Context, id string, trigger history.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id+":"+string(trigger))
	return nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type stubConfigs struct {
	ids  []string
	cfgs map[string]*pageconfig.Config
}

func (s *stubConfigs) List() ([]string, error) { return s.ids, nil }
func (s *stubConfigs) Load(id string) (*pageconfig.Config, error) {
	return s.cfgs[id], nil
}

type noopCache struct{}

func (noopCache) EnsureDir() error { return nil }

type noopHistory struct{}

func (noopHistory) Init() error { return nil }

func schedulableConfig(t *testing.T, expr string) *pageconfig.Config {
	t.Helper()
	cfg, err := pageconfig.Parse([]byte(`{"template":"week-view","imageType":"png","preGenerateInterval":"` + expr + `"}`))
	require.NoError(t, err)
	return cfg
}

func TestInitSchedulesAndDispatchesBootRun(t *testing.T) {
	runner := &recordingRunner{}
	configs := &stubConfigs{
		ids:  []string{"a"},
		cfgs: map[string]*pageconfig.Config{"a": schedulableConfig(t, "0 * * * *")},
	}

	s := New(runner, configs, noopCache{}, noopHistory{}, nil, nil)
	require.NoError(t, s.Init(context.Background()))
	defer s.StopAll()

	assert.Equal(t, 1, runner.count())
	assert.Contains(t, runner.calls[0], "boot")

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "a", status[0].ID)
}

func TestScheduleRejectsInvalidExpression(t *testing.T) {
	s := New(&recordingRunner{}, &stubConfigs{}, noopCache{}, noopHistory{}, nil, nil)
	err := s.Schedule("a", "not a cron expression")
	assert.Error(t, err)
}

func TestUnscheduleRemovesTimer(t *testing.T) {
	s := New(&recordingRunner{}, &stubConfigs{}, noopCache{}, noopHistory{}, nil, nil)
	require.NoError(t, s.Schedule("a", "0 * * * *"))
	assert.Len(t, s.Status(), 1)

	s.Unschedule("a")
	assert.Len(t, s.Status(), 0)
}

func TestReconcileAddedSchedulesConfig(t *testing.T) {
	s := New(&recordingRunner{}, &stubConfigs{}, noopCache{}, noopHistory{}, nil, nil)
	cfg := schedulableConfig(t, "0 * * * *")

	s.Reconcile(context.Background(), configstore.Event{Kind: configstore.EventAdded, ID: "a", Config: cfg})
	assert.Len(t, s.Status(), 1)
}

func TestReconcileRemovedUnschedules(t *testing.T) {
	s := New(&recordingRunner{}, &stubConfigs{}, noopCache{}, noopHistory{}, nil, nil)
	require.NoError(t, s.Schedule("a", "0 * * * *"))

	s.Reconcile(context.Background(), configstore.Event{Kind: configstore.EventRemoved, ID: "a"})
	assert.Len(t, s.Status(), 0)
}

func TestReconcileChangedToNonSchedulableUnschedules(t *testing.T) {
	s := New(&recordingRunner{}, &stubConfigs{}, noopCache{}, noopHistory{}, nil, nil)
	require.NoError(t, s.Schedule("a", "0 * * * *"))

	cfg, err := pageconfig.Parse([]byte(`{"template":"week-view","imageType":"png"}`))
	require.NoError(t, err)

	s.Reconcile(context.Background(), configstore.Event{Kind: configstore.EventChanged, ID: "a", Config: cfg})
	assert.Len(t, s.Status(), 0)
}
