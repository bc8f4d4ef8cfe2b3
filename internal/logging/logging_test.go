package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanicConvertsToCallback(t *testing.T) {
	logger := New(Options{Level: "error", Format: "json"})

	var captured error
	func() {
		defer RecoverPanic(logger, "test-task", func(err error) { captured = err })
		panic("boom")
	}()

	assert.Error(t, captured)
	assert.Contains(t, captured.Error(), "test-task")
	assert.Contains(t, captured.Error(), "boom")
}

func TestRecoverPanicNoPanicIsNoop(t *testing.T) {
	logger := New(Options{Level: "error", Format: "json"})
	called := false
	func() {
		defer RecoverPanic(logger, "test-task", func(err error) { called = true })
	}()
	assert.False(t, called)
}

func TestNewDefaultsToInfoOnBadLevel(t *testing.T) {
	logger := New(Options{Level: "not-a-level", Format: "json"})
	assert.Equal(t, "info", logger.GetLevel().String())
}

func TestLogErrorDoesNotPanic(t *testing.T) {
	logger := New(Options{Level: "error", Format: "json"})
	assert.NotPanics(t, func() {
		LogError(logger, "pool", errors.New("boom"), "open failed")
	})
}
