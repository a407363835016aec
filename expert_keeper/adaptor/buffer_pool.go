package adaptor

import (
	"sync"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
)

const DefaultBufferTensorNum = 100

// BufferPool hands out the ids of the receive buffers. An id is held from
// the moment a receive is posted until its content has been copied into an
// expert slot.
type BufferPool struct {
	mu   sync.Mutex
	free []int
	used map[int]bool
}

func NewBufferPool(capacity int) *BufferPool {
	output := &BufferPool{used: map[int]bool{}}
	for i := capacity - 1; i >= 0; i-- {
		output.free = append(output.free, i)
	}
	return output
}

func (p *BufferPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return -1, errs.Configurationf("buffer pool of %d exhausted, increase buffer_tensor_num", len(p.used))
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[id] = true
	return id, nil
}

func (p *BufferPool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.used[id] {
		return
	}
	delete(p.used, id)
	p.free = append(p.free, id)
}

func (p *BufferPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.used)
}

func (p *BufferPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
