package imagevault

import (
	"context"
	"fmt"
)

// pipelinePool is a fixed pool of pipeline instances. Acquire blocks until an
// instance is free; the returned release puts it back. Sizing the pool to the
// worker count means workers never contend.
type pipelinePool struct {
	instances chan TransformationPipeline
}

// NewPipelinePool builds a PipelineSource holding size instances produced by
// factory. Each instance is owned by at most one job at a time.
func NewPipelinePool(size int, factory func() TransformationPipeline) (PipelineSource, error) {
	if size < 1 {
		return nil, fmt.Errorf("pipeline pool size must be at least 1, got %d", size)
	}
	pool := &pipelinePool{instances: make(chan TransformationPipeline, size)}
	for i := 0; i < size; i++ {
		pool.instances <- factory()
	}
	return pool, nil
}

func (p *pipelinePool) Acquire(ctx context.Context) (TransformationPipeline, func(), error) {
	select {
	case inst := <-p.instances:
		return inst, func() { p.instances <- inst }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
