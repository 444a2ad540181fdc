package orchestrator

import (
	"testing"

	"github.com/embedchat/widgetcore/internal/retry"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_InstanceIsSingletonPerClientAgent(t *testing.T) {
	r := NewRegistry(Deps{Executor: retry.NewExecutor(nil)})

	a := r.Instance("c1", "a1", "http://backend", false)
	b := r.Instance("c1", "a1", "http://backend", false)
	other := r.Instance("c1", "a2", "http://backend", false)

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
}

func TestRegistry_DisableCacheReturnsFreshUnsharedInstance(t *testing.T) {
	r := NewRegistry(Deps{Executor: retry.NewExecutor(nil)})

	shared := r.Instance("c1", "a1", "http://backend", false)
	fresh := r.Instance("c1", "a1", "http://backend", true)
	assert.NotSame(t, shared, fresh)

	// The fresh instance is not cached either
	again := r.Instance("c1", "a1", "http://backend", false)
	assert.Same(t, shared, again)
}

func TestRegistry_ClearInstance(t *testing.T) {
	r := NewRegistry(Deps{Executor: retry.NewExecutor(nil)})

	a := r.Instance("c1", "a1", "http://backend", false)
	r.ClearInstance("c1", "a1")
	b := r.Instance("c1", "a1", "http://backend", false)
	assert.NotSame(t, a, b)
}

func TestRegistry_ClearAllInstances(t *testing.T) {
	r := NewRegistry(Deps{Executor: retry.NewExecutor(nil)})

	a := r.Instance("c1", "a1", "http://backend", false)
	b := r.Instance("c2", "a1", "http://backend", false)
	r.ClearAllInstances()

	assert.NotSame(t, a, r.Instance("c1", "a1", "http://backend", false))
	assert.NotSame(t, b, r.Instance("c2", "a1", "http://backend", false))
}
