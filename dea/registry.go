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

package dea

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DEAs that never reply leave their task behind; it is forgotten after this long
const defaultTaskTimeout = 15 * time.Minute

var ErrStagingInProgress = errors.New("staging already in progress")

type registeredTask struct {
	task         *AppStagerTask
	registeredAt time.Time
}

// TaskRegistry correlates staging guids with the attempt started for them
type TaskRegistry struct {
	mu      sync.Mutex
	tasks   map[string]registeredTask
	timeout time.Duration
	now     func() time.Time
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks:   map[string]registeredTask{},
		timeout: defaultTaskTimeout,
		now:     time.Now,
	}
}

// WithTimeout sets how long a task waits for its DEA before it is dropped
func (r *TaskRegistry) WithTimeout(timeout time.Duration) *TaskRegistry {
	r.timeout = timeout
	return r
}

// WithClock is used by tests to control task expiry
func (r *TaskRegistry) WithClock(now func() time.Time) *TaskRegistry {
	r.now = now
	return r
}

func (r *TaskRegistry) Register(task *AppStagerTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	if _, ok := r.tasks[task.StagingGUID()]; ok {
		return fmt.Errorf("%w: %s", ErrStagingInProgress, task.StagingGUID())
	}
	r.tasks[task.StagingGUID()] = registeredTask{task: task, registeredAt: r.now()}
	return nil
}

// Lookup returns the live task for stagingGUID. Expired tasks are not returned.
func (r *TaskRegistry) Lookup(stagingGUID string) (*AppStagerTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	entry, ok := r.tasks[stagingGUID]
	return entry.task, ok
}

func (r *TaskRegistry) Deregister(stagingGUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, stagingGUID)
}

func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	return len(r.tasks)
}

func (r *TaskRegistry) pruneLocked() {
	cutoff := r.now().Add(-r.timeout)
	for guid, entry := range r.tasks {
		if entry.registeredAt.Before(cutoff) {
			delete(r.tasks, guid)
		}
	}
}
