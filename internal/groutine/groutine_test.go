package groutine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_LabelsContext(t *testing.T) {
	got := make(chan string, 1)
	Go(context.Background(), "adv-loop", func(ctx context.Context) {
		got <- Name(ctx)
	})
	assert.Equal(t, "adv-loop", <-got)
}

func TestGo_NilParent(t *testing.T) {
	done := make(chan context.Context, 1)
	//nolint:staticcheck // nil parent is part of the contract
	Go(nil, "nil-parent", func(ctx context.Context) {
		done <- ctx
	})
	ctx := <-done
	assert.NotNil(t, ctx)
	assert.Equal(t, "nil-parent", Name(ctx))
}

func TestName_Unlabelled(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	//nolint:staticcheck
	assert.Empty(t, Name(nil))
}

func TestGo_CancelPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	Go(ctx, "worker", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})
	cancel()
	<-stopped
}
