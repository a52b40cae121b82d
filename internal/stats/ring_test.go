package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManager_Log_SameSecondAccumulates(t *testing.T) {
	m := NewManager()
	base := time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.Log("svc")
	m.Log("svc")
	m.Log("svc")

	snap := m.Snapshot("svc")
	assert.Equal(t, int64(3), snap.Sec1)
	assert.Equal(t, int64(3), snap.Min1)
}

func TestManager_Log_DifferentSecondsAccumulateInWindow(t *testing.T) {
	m := NewManager()
	base := time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.Log("svc")

	m.now = func() time.Time { return base.Add(time.Second) }
	m.Log("svc")
	m.Log("svc")

	snap := m.Snapshot("svc")
	assert.Equal(t, int64(2), snap.Sec1, "Sec1 reflects only the latest second")
	assert.Equal(t, int64(3), snap.Min1, "Min1 sums across the last 60 seconds")
}

func TestManager_Log_HourlyWrapZeroesOnce(t *testing.T) {
	m := NewManager()
	justBeforeWrap := time.Date(2026, 1, 1, 10, 59, 59, 0, time.UTC)
	m.now = func() time.Time { return justBeforeWrap }
	m.Log("svc")

	wrapMoment := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return wrapMoment }
	m.Log("svc")

	snap := m.Snapshot("svc")
	assert.Equal(t, int64(1), snap.Hour1, "the wrap must zero the prior hour's counts")

	// a second Log call at the same wrapped hour must not zero again
	m.Log("svc")
	snap = m.Snapshot("svc")
	assert.Equal(t, int64(2), snap.Hour1)
}

func TestManager_Snapshot_UnknownTarget(t *testing.T) {
	m := NewManager()
	snap := m.Snapshot("never-logged")
	assert.Equal(t, "never-logged", snap.Target)
	assert.Equal(t, int64(0), snap.Hour1)
}

func TestManager_Targets(t *testing.T) {
	m := NewManager()
	m.Log("a")
	m.Log("b")
	assert.ElementsMatch(t, []string{"a", "b"}, m.Targets())
}
