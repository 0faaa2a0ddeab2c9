package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancellationManager_RegisterThenCancelInvokesFunc(t *testing.T) {
	cm := NewCancellationManager()
	_, cancel := context.WithCancel(context.Background())
	called := false
	cm.Register("wf-1", func() { called = true; cancel() })

	assert.True(t, cm.Active("wf-1"))
	cm.Cancel("wf-1")
	assert.True(t, called)
}

func TestCancellationManager_CancelUnregisteredIsNoop(t *testing.T) {
	cm := NewCancellationManager()
	assert.False(t, cm.Active("missing"))
	cm.Cancel("missing") // must not panic
}

func TestCancellationManager_CompleteRemovesTracking(t *testing.T) {
	cm := NewCancellationManager()
	cm.Register("wf-1", func() {})
	assert.True(t, cm.Active("wf-1"))

	cm.Complete("wf-1")
	assert.False(t, cm.Active("wf-1"))

	cm.Cancel("wf-1") // already completed, must not panic or resurrect tracking
	assert.False(t, cm.Active("wf-1"))
}

func TestCancellationManager_RegisterOverwritesPrevious(t *testing.T) {
	cm := NewCancellationManager()
	firstCalled := false
	secondCalled := false
	cm.Register("wf-1", func() { firstCalled = true })
	cm.Register("wf-1", func() { secondCalled = true })

	cm.Cancel("wf-1")
	assert.False(t, firstCalled)
	assert.True(t, secondCalled)
}
