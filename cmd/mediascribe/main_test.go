package main

import (
	"context"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/chriskillpack/mediascribe/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFlagsMapToConfigKeys(t *testing.T) {
	keys := config.Keys()
	cmd := runCommand(&globalFlags{})
	for flag, key := range runFlags {
		assert.True(t, slices.Contains(keys, key), "flag %s maps to unknown field %s", flag, key)
		assert.NotNil(t, cmd.Flags().Lookup(flag), "flag %s not defined", flag)
	}
}

func TestSighandler(t *testing.T) {
	ch := make(chan os.Signal, 2)
	stopped := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sighandler(ch, func() { close(stopped) }, cancel)
	}()

	ch <- os.Interrupt
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("first signal did not stop")
	}
	require.NoError(t, ctx.Err(), "first signal must not cancel")

	ch <- os.Interrupt
	<-done
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestSighandlerReturnsOnClose(t *testing.T) {
	ch := make(chan os.Signal, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sighandler(ch, func() { t.Error("stop called without a signal") }, cancel)
	}()

	close(ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sighandler still running after its channel closed")
	}
	assert.NoError(t, ctx.Err())
}
