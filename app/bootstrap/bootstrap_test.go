package bootstrap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/aihub/docqa/internal/di"
)

func TestShutdown_RunsTasksBeforeContainerCleanup(t *testing.T) {
	var order []string
	cleanup := &di.Cleanup{}
	cleanup.Add(func() error {
		order = append(order, "queue")
		return nil
	})
	app := &App{Logger: zap.NewNop(), cleanup: cleanup}
	app.OnShutdown(func() error {
		order = append(order, "metrics")
		return nil
	})
	app.OnShutdown(func() error {
		order = append(order, "listener")
		return errors.New("already closed")
	})

	app.Shutdown()
	assert.Equal(t, []string{"listener", "metrics", "queue"}, order)
}
