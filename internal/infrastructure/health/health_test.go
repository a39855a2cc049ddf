package health

import (
	"errors"
	"testing"

	"intraday_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
)

func TestMonitorAggregatesChecks(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	m.Register("broker", func() error { return nil })
	m.Register("database", func() error { return nil })

	assert.True(t, m.IsHealthy())
	status := m.GetStatus()
	assert.Equal(t, "ok", status["broker"])
	assert.Equal(t, "ok", status["database"])
}

func TestMonitorReportsFailure(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	m.Register("broker", func() error { return errors.New("token expired") })
	m.Register("database", func() error { return nil })

	assert.False(t, m.IsHealthy())
	status := m.GetStatus()
	assert.Equal(t, "token expired", status["broker"])
	assert.Equal(t, "ok", status["database"])
}

func TestMonitorReplaceCheck(t *testing.T) {
	m := NewMonitor(logging.NewNop())
	m.Register("broker", func() error { return errors.New("down") })
	assert.False(t, m.IsHealthy())

	m.Register("broker", func() error { return nil })
	assert.True(t, m.IsHealthy())
}
