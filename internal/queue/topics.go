package queue

// Topic layout for external mode. The dispatcher fans jobs.pending out to
// per-type worker topics; exhausted and malformed messages land on the DLQ.
const (
	TopicPending = "jobs.pending"
	TopicDLQ     = "jobs.dlq"
)

// WorkerTopic returns the per-type topic a worker subscribes to.
func WorkerTopic(jobType string) string {
	return "jobs.worker." + jobType
}
