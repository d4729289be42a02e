package worker

// ThreadPool owns a fixed set of workers. Peers are pinned to the
// least-loaded worker at creation and stay there for life.
type ThreadPool struct {
	workers []*Worker
}

// NewThreadPool creates and starts numWorkers workers.
func NewThreadPool(numWorkers int) *ThreadPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	p := &ThreadPool{workers: make([]*Worker, 0, numWorkers)}
	for i := 0; i < numWorkers; i++ {
		p.workers = append(p.workers, NewWorker(i))
	}
	return p
}

// LessUsedWorker returns the worker with the shortest task backlog.
func (p *ThreadPool) LessUsedWorker() *Worker {
	chosen := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.Pending() < chosen.Pending() {
			chosen = w
		}
	}
	return chosen
}

// Worker returns the worker with the given index.
func (p *ThreadPool) Worker(id int) *Worker {
	return p.workers[id%len(p.workers)]
}

// Size returns the number of workers.
func (p *ThreadPool) Size() int { return len(p.workers) }

// Close shuts every worker down.
func (p *ThreadPool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}

// IOWorker is the landing strip for ICE library callbacks. Callbacks
// fire on the ICE agent's own goroutines and re-enter the engine by
// posting to the paired worker, so a peer's IO and task processing
// share one serialization domain.
type IOWorker struct {
	paired *Worker
}

// Invoke posts the callback onto the paired worker's queue.
func (io *IOWorker) Invoke(f func()) {
	io.paired.Post(f)
}

// Paired returns the worker this IO worker feeds.
func (io *IOWorker) Paired() *Worker { return io.paired }

// IOWorkerPool pairs one IO worker per worker by index.
type IOWorkerPool struct {
	ioWorkers []*IOWorker
}

// NewIOWorkerPool builds IO workers paired 1:1 with the thread pool's
// workers.
func NewIOWorkerPool(pool *ThreadPool) *IOWorkerPool {
	io := &IOWorkerPool{ioWorkers: make([]*IOWorker, 0, pool.Size())}
	for i := 0; i < pool.Size(); i++ {
		io.ioWorkers = append(io.ioWorkers, &IOWorker{paired: pool.Worker(i)})
	}
	return io
}

// IOWorker returns the IO worker paired with the given worker index.
func (p *IOWorkerPool) IOWorker(id int) *IOWorker {
	return p.ioWorkers[id%len(p.ioWorkers)]
}
