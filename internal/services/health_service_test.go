package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounts struct{ clients, runs int }

func (s stubCounts) ClientCount() int { return s.clients }
func (s stubCounts) ActiveRuns() int  { return s.runs }

type stubDB struct{ err error }

func (s stubDB) Ping(context.Context) error { return s.err }

func TestHealthCheck(t *testing.T) {
	t.Run("all collaborators up", func(t *testing.T) {
		counts := stubCounts{clients: 2, runs: 1}
		hs := NewHealthService("1.2.3", HealthDeps{Clients: counts, Runs: counts, Database: stubDB{}}, nil)

		status := hs.HealthCheck(context.Background())
		assert.Equal(t, "ok", status.Status)
		assert.Equal(t, "1.2.3", status.Version)
		assert.Equal(t, "up", status.Services["database"].Status)
		require.NotNil(t, status.Services["websocket"].Count)
		assert.Equal(t, 2, *status.Services["websocket"].Count)
		assert.Equal(t, 1, *status.Services["runs"].Count)
		assert.Contains(t, status.Runtime, "go_version")
	})

	t.Run("database down degrades", func(t *testing.T) {
		hs := NewHealthService("1.2.3", HealthDeps{Database: stubDB{err: errors.New("locked")}}, nil)

		status := hs.HealthCheck(context.Background())
		assert.Equal(t, "degraded", status.Status)
		assert.Equal(t, "down", status.Services["database"].Status)
		assert.Equal(t, "locked", status.Services["database"].Message)
	})

	t.Run("no collaborators", func(t *testing.T) {
		status := NewHealthService("dev", HealthDeps{}, nil).HealthCheck(context.Background())
		assert.Equal(t, "ok", status.Status)
		assert.Empty(t, status.Services)
	})
}
