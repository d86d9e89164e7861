package worker

// Job represents a single unit of work executed by the pool
type Job struct {
	// Run is executed by exactly one worker (required)
	Run func()

	// Discard is called instead of Run when the pool drops the job
	// on shutdown (optional). It releases whatever Run would have
	// released, e.g. the connection the job was created for.
	Discard func()

	// next links queued jobs (owned by the pool while queued)
	next *Job
}

// NewJob creates a job from a function and its discard hook
func NewJob(run, discard func()) Job {
	return Job{
		Run:     run,
		Discard: discard,
	}
}

// jobQueue is a FIFO list of pending jobs. An empty queue has both
// head and tail nil. Callers must hold the pool mutex.
type jobQueue struct {
	head *Job
	tail *Job
	size int
}

func (q *jobQueue) push(job *Job) {
	job.next = nil
	if q.head == nil {
		q.head = job
		q.tail = job
	} else {
		q.tail.next = job
		q.tail = job
	}
	q.size++
}

func (q *jobQueue) pop() *Job {
	job := q.head
	if job == nil {
		return nil
	}
	q.head = job.next
	if q.head == nil {
		q.tail = nil
	}
	job.next = nil
	q.size--
	return job
}

// drain unlinks every queued job and returns them in queue order
func (q *jobQueue) drain() []*Job {
	jobs := make([]*Job, 0, q.size)
	for job := q.pop(); job != nil; job = q.pop() {
		jobs = append(jobs, job)
	}
	return jobs
}

func (q *jobQueue) empty() bool {
	return q.head == nil
}
