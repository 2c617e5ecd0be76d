/*
Copyright 2021.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Recorder stores the metrics for staging requests and background jobs.
// A nil *Recorder records nothing.
type Recorder struct {
	jobsEnqueued        *prometheus.CounterVec
	jobsCompleted       *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	stagingRequests     *prometheus.CounterVec
	validationRejection *prometheus.CounterVec
	stagingCompletions  *prometheus.CounterVec
}

func NewRecorder(register bool) *Recorder {
	jobsEnqueued := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cf_jobs_enqueued_total",
			Help: "Jobs submitted to a queue, by queue and job name",
		}, []string{"queue", "job"})

	jobsCompleted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cf_jobs_completed_total",
			Help: "Job attempts that finished, by queue, job name and result (success, retry, failure)",
		}, []string{"queue", "job", "result"})

	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cf_job_duration_seconds",
			Help:    "Duration of job attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"})

	stagingRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cf_staging_requests_total",
			Help: "Staging attempts started, by backend and lifecycle",
		}, []string{"backend", "lifecycle"})

	validationRejection := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cf_staging_validation_rejections_total",
			Help: "Staging requests rejected before any work started, by reason",
		}, []string{"reason"})

	stagingCompletions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cf_staging_completions_total",
			Help: "Staging completions received, by backend and result",
		}, []string{"backend", "result"})

	if register {
		ctrlmetrics.Registry.MustRegister(
			jobsEnqueued,
			jobsCompleted,
			jobDuration,
			stagingRequests,
			validationRejection,
			stagingCompletions,
		)
	}

	return &Recorder{
		jobsEnqueued:        jobsEnqueued,
		jobsCompleted:       jobsCompleted,
		jobDuration:         jobDuration,
		stagingRequests:     stagingRequests,
		validationRejection: validationRejection,
		stagingCompletions:  stagingCompletions,
	}
}

func (r *Recorder) JobEnqueued(queue, job string) {
	if r == nil {
		return
	}
	r.jobsEnqueued.WithLabelValues(queue, job).Inc()
}

func (r *Recorder) JobCompleted(queue, job, result string, seconds float64) {
	if r == nil {
		return
	}
	r.jobsCompleted.WithLabelValues(queue, job, result).Inc()
	r.jobDuration.WithLabelValues(job).Observe(seconds)
}

func (r *Recorder) StagingRequested(backend, lifecycle string) {
	if r == nil {
		return
	}
	r.stagingRequests.WithLabelValues(backend, lifecycle).Inc()
}

func (r *Recorder) ValidationRejected(reason string) {
	if r == nil {
		return
	}
	r.validationRejection.WithLabelValues(reason).Inc()
}

func (r *Recorder) StagingCompleted(backend, result string) {
	if r == nil {
		return
	}
	r.stagingCompletions.WithLabelValues(backend, result).Inc()
}

func (r *Recorder) JobsCompleted() *prometheus.CounterVec {
	return r.jobsCompleted
}

func (r *Recorder) JobsEnqueued() *prometheus.CounterVec {
	return r.jobsEnqueued
}

func (r *Recorder) StagingRequests() *prometheus.CounterVec {
	return r.stagingRequests
}

func (r *Recorder) ValidationRejections() *prometheus.CounterVec {
	return r.validationRejection
}

func (r *Recorder) StagingCompletions() *prometheus.CounterVec {
	return r.stagingCompletions
}
