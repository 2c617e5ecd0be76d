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
	"context"
	"fmt"

	"github.com/go-logr/logr"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/metrics"
	"cloudfoundry.org/cf-crd-staging/runners"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

type RunnerFactory interface {
	RunnerFor(app *cfappsv1alpha1.App) runners.Runner
}

type Config struct {
	Bus        MessageBus
	Pool       StagerFinder
	Tasks      *TaskRegistry
	URLs       *URLGenerator
	Apps       stagers.AppStore
	Droplets   stagers.DropletStore
	Buildpacks BuildpackLister
	Runners    RunnerFactory
	Recorder   *metrics.Recorder
	Logger     logr.Logger
}

// Backend builds legacy stagers that share one correlation table
type Backend struct {
	config Config
}

func NewBackend(config Config) *Backend {
	if config.Tasks == nil {
		config.Tasks = NewTaskRegistry()
	}
	return &Backend{config: config}
}

func (b *Backend) StagerFor(app *cfappsv1alpha1.App) stagers.Stager {
	return &Stager{
		app:    app,
		config: b.config,
		logger: b.config.Logger.WithValues("stager", "dea", "app", app.Name),
	}
}

// Stager stages an app on the DEAs. It holds no state of its own: in-flight attempts
// live in the task registry and completions are correlated by staging guid.
type Stager struct {
	app    *cfappsv1alpha1.App
	config Config
	logger logr.Logger
}

func (s *Stager) Stage(ctx context.Context, details stagers.StagingDetails) error {
	droplet, err := s.config.Droplets.Find(ctx, details.StagingGUID)
	if err != nil {
		return fmt.Errorf("finding droplet %s: %w", details.StagingGUID, err)
	}
	details.Droplet = droplet

	task := s.newTask(details)
	if err := s.config.Tasks.Register(task); err != nil {
		return err
	}
	if err := task.Stage(ctx); err != nil {
		s.config.Tasks.Deregister(task.StagingGUID())
		return err
	}
	return nil
}

// StagingComplete hands the DEA's response to the attempt started for droplet. When this
// process did not start the attempt, the task is rebuilt from the persisted droplet.
func (s *Stager) StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error {
	task, ok := s.config.Tasks.Lookup(droplet.Name)
	if !ok {
		s.logger.Info(fmt.Sprintf("No in-flight task for %s, rebuilding it from the droplet", droplet.Name))
		task = s.newTask(stagers.StagingDetails{
			StagingGUID: droplet.Name,
			Lifecycle:   droplet.Spec.Type,
			Droplet:     droplet,
		})
	}
	defer s.config.Tasks.Deregister(droplet.Name)

	return task.HandleResponse(ctx, payload, s.startRunner)
}

// StopStage does nothing: DEAs cannot cancel a staging task
func (s *Stager) StopStage(context.Context, string) error {
	return nil
}

func (s *Stager) startRunner(ctx context.Context, result runners.StagingResult) error {
	app, err := s.config.Apps.Find(ctx, s.app.Name)
	if err != nil {
		return fmt.Errorf("reloading app %s: %w", s.app.Name, err)
	}
	return s.config.Runners.RunnerFor(app).Start(ctx, result)
}

func (s *Stager) newTask(details stagers.StagingDetails) *AppStagerTask {
	return &AppStagerTask{
		app:        s.app,
		details:    details,
		bus:        s.config.Bus,
		pool:       s.config.Pool,
		urls:       s.config.URLs,
		buildpacks: s.config.Buildpacks,
		droplets:   s.config.Droplets,
		apps:       s.config.Apps,
		recorder:   s.config.Recorder,
		logger:     s.logger.WithValues("staging", details.StagingGUID),
	}
}
