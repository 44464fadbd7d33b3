package kubernetes

// Config carries the cluster-side settings for launching stage workers.
type Config struct {
	// Namespace is where worker Jobs are created.
	Namespace string
	// WorkerImage is the container image every stage worker runs.
	WorkerImage string
	// ServiceAccount optionally pins the pod's service account.
	ServiceAccount string
	// Env holds extra environment passed to every worker, typically broker
	// and store endpoints.
	Env map[string]string
}
