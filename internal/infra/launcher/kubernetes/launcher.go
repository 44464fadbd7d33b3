// Package kubernetes launches scan stage workers as Kubernetes batch Jobs.
// Each WorkerSpec becomes one Job whose pod carries the stage parameters in
// its environment and whose resources follow the spec's profile.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/corvusec/scanhive/internal/domain/pipeline"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

const (
	appLabel   = "scanhive-worker"
	jobIDLabel = "scanhive.io/job-id"
	stageLabel = "scanhive.io/stage"

	// finishedJobTTL lets the cluster garbage collect completed Jobs after
	// the orchestrator has had ample time to observe their terminal state.
	finishedJobTTL = int32(3600)
)

// Compile-time check that Launcher satisfies the launcher contract.
var _ pipeline.Launcher = (*Launcher)(nil)

// Launcher starts and observes stage workers as Kubernetes batch Jobs.
type Launcher struct {
	client kubernetes.Interface
	config Config

	logger *logger.Logger
	tracer trace.Tracer
}

// NewLauncher creates a launcher bound to a namespace and worker image.
func NewLauncher(client kubernetes.Interface, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Launcher, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("kubernetes launcher: namespace is required")
	}
	if cfg.WorkerImage == "" {
		return nil, fmt.Errorf("kubernetes launcher: worker image is required")
	}

	log = log.With("component", "kubernetes_launcher", "namespace", cfg.Namespace)
	return &Launcher{client: client, config: cfg, logger: log, tracer: tracer}, nil
}

// Launch creates a batch Job for the spec and returns its name as the handle.
// The call returns as soon as the Job object is accepted; it never waits for
// the pod to schedule or run.
func (l *Launcher) Launch(ctx context.Context, spec pipeline.WorkerSpec) (pipeline.Handle, error) {
	ctx, span := l.tracer.Start(ctx, "kubernetes_launcher.launch",
		trace.WithAttributes(
			attribute.String("job_id", spec.JobID().String()),
			attribute.String("stage", spec.Stage().String()),
			attribute.String("mode", spec.Mode().String()),
		))
	defer span.End()

	job, err := l.buildJob(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build worker job")
		return "", err
	}

	created, err := l.client.BatchV1().Jobs(l.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create worker job")
		return "", fmt.Errorf("creating worker job: %w", err)
	}

	l.logger.Info(ctx, "worker launched",
		"worker", created.Name,
		"stage", spec.Stage().String(),
		"cpu_units", spec.Profile().CPUUnits,
		"memory_mb", spec.Profile().MemoryMB)
	return pipeline.Handle(created.Name), nil
}

// Status reports the worker's lifecycle state from its Job conditions.
func (l *Launcher) Status(ctx context.Context, handle pipeline.Handle) (pipeline.WorkerStatus, error) {
	job, err := l.client.BatchV1().Jobs(l.config.Namespace).Get(ctx, string(handle), metav1.GetOptions{})
	if err != nil {
		return pipeline.WorkerStatus{}, fmt.Errorf("getting worker job %s: %w", handle, err)
	}
	return translateJobStatus(job), nil
}

// Stop deletes the worker Job and its pods. Deleting a worker that already
// finished or was never found is not an error; cancellation must be
// repeatable.
func (l *Launcher) Stop(ctx context.Context, handle pipeline.Handle) error {
	propagation := metav1.DeletePropagationBackground
	err := l.client.BatchV1().Jobs(l.config.Namespace).Delete(ctx, string(handle), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting worker job %s: %w", handle, err)
	}
	return nil
}

func (l *Launcher) buildJob(spec pipeline.WorkerSpec) (*batchv1.Job, error) {
	env, err := workerEnv(spec)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(l.config.Env))
	for name := range l.config.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: l.config.Env[name]})
	}

	labels := map[string]string{
		"app":      appLabel,
		jobIDLabel: spec.JobID().String(),
		stageLabel: spec.Stage().String(),
	}

	// The orchestrator owns retry decisions; a failed pod means a failed
	// worker, not a restart.
	backoffLimit := int32(0)
	ttl := finishedJobTTL

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      workerName(spec),
			Namespace: l.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: l.config.ServiceAccount,
					Containers: []corev1.Container{{
						Name:      "worker",
						Image:     l.config.WorkerImage,
						Env:       env,
						Resources: resourceRequirements(spec.Profile()),
					}},
				},
			},
		},
	}, nil
}

// workerName builds a DNS-1123 compatible Job name unique per stage launch.
func workerName(spec pipeline.WorkerSpec) string {
	return fmt.Sprintf("scanhive-%s-%s-%d", spec.Stage(), spec.JobID().String()[:8], spec.BatchIndex())
}

// workerEnv flattens the spec into the environment contract stage workers
// read at startup.
func workerEnv(spec pipeline.WorkerSpec) ([]corev1.EnvVar, error) {
	seeds, err := json.Marshal(spec.Seeds())
	if err != nil {
		return nil, fmt.Errorf("encoding worker seeds: %w", err)
	}

	return []corev1.EnvVar{
		{Name: "SCANHIVE_MODULE", Value: spec.Stage().String()},
		{Name: "SCANHIVE_EXECUTION_MODE", Value: spec.Mode().String()},
		{Name: "SCANHIVE_JOB_ID", Value: spec.JobID().String()},
		{Name: "SCANHIVE_SCOPE_ID", Value: spec.ScopeID().String()},
		{Name: "SCANHIVE_SEEDS", Value: string(seeds)},
		{Name: "SCANHIVE_INPUT_STREAM", Value: spec.InputStream()},
		{Name: "SCANHIVE_OUTPUT_STREAM", Value: spec.OutputStream()},
		{Name: "SCANHIVE_CONSUMER_GROUP", Value: spec.ConsumerGroup()},
		{Name: "SCANHIVE_PAGE_SIZE", Value: strconv.Itoa(spec.PageSize())},
		{Name: "SCANHIVE_TOTAL_TARGETS", Value: strconv.Itoa(spec.TotalTargets())},
		{Name: "SCANHIVE_BATCH_INDEX", Value: strconv.Itoa(spec.BatchIndex())},
		{Name: "SCANHIVE_BATCH_COUNT", Value: strconv.Itoa(spec.BatchCount())},
		{Name: "SCANHIVE_CREDENTIAL_SET", Value: spec.CredentialSet()},
	}, nil
}

// resourceRequirements converts a profile's milli-CPU and MiB numbers into
// matching requests and limits.
func resourceRequirements(p pipeline.Profile) corev1.ResourceRequirements {
	cpu := resource.MustParse(fmt.Sprintf("%dm", p.CPUUnits))
	mem := resource.MustParse(fmt.Sprintf("%dMi", p.MemoryMB))

	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    cpu,
			corev1.ResourceMemory: mem,
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    cpu,
			corev1.ResourceMemory: mem,
		},
	}
}

// translateJobStatus maps batch Job conditions onto the launcher contract.
// Exit codes collapse to zero or one: the per-container code is buried in the
// pod and callers only branch on success or failure.
func translateJobStatus(job *batchv1.Job) pipeline.WorkerStatus {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return pipeline.WorkerStatus{State: pipeline.WorkerExited, ExitCode: 0}
		case batchv1.JobFailed:
			return pipeline.WorkerStatus{State: pipeline.WorkerExited, ExitCode: 1}
		}
	}
	return pipeline.WorkerStatus{State: pipeline.WorkerRunning}
}
