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

package stagers

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/metrics"
	"cloudfoundry.org/cf-crd-staging/repositories"
)

type Config struct {
	Client       client.Client
	Apps         AppStore
	Packages     PackageFinder
	Droplets     DropletStore
	FeatureFlags FeatureFlags
	Buildpacks   BuildpackCounter
	Runners      RunnerFactory
	Images       ImageConfigFetcher
	Kpack        KpackConfig

	// NewLegacyStager builds the DEA stager for an app
	NewLegacyStager func(app *cfappsv1alpha1.App) Stager

	CustomBuildpacksDisabled bool
	StagingMemoryMB          int64
	StagingDiskMB            int64
	DefaultStack             string

	Recorder *metrics.Recorder
	Logger   logr.Logger
}

// Stagers validates staging requests and routes them to the backend that performs them
type Stagers struct {
	config Config
}

func NewStagers(config Config) *Stagers {
	return &Stagers{config: config}
}

// ValidateApp runs the staging preconditions in order; the first one that fails is reported
func (s *Stagers) ValidateApp(ctx context.Context, app *cfappsv1alpha1.App) error {
	if app.Docker() {
		disabled, err := s.config.FeatureFlags.IsDisabled(ctx, repositories.DiegoDockerFeatureFlag)
		if err != nil {
			return fmt.Errorf("checking %s feature flag: %w", repositories.DiegoDockerFeatureFlag, err)
		}
		if disabled {
			return s.reject(DockerDisabled, "Docker support has not been enabled")
		}
	}

	if strings.TrimSpace(app.Spec.PackageHash) == "" {
		return s.reject(AppPackageInvalid, "The app package hash is empty")
	}

	custom := app.CustomBuildpack()
	if custom && s.config.CustomBuildpacksDisabled {
		return s.reject(CustomBuildpacksDisabled, "Custom buildpacks are disabled")
	}

	if !custom {
		count, err := s.config.Buildpacks.Count(ctx)
		if err != nil {
			return fmt.Errorf("counting buildpacks: %w", err)
		}
		if count == 0 {
			return s.reject(NoBuildpacksFound, "There are no buildpacks available")
		}
	}

	return nil
}

func (s *Stagers) reject(reason, message string) error {
	s.config.Recorder.ValidationRejected(reason)
	return &ValidationError{Reason: reason, Message: message}
}

func SelectBackend(app *cfappsv1alpha1.App) Backend {
	if app.Spec.Diego {
		return BackendDiego
	}
	return BackendDEA
}

func SelectLifecycle(app *cfappsv1alpha1.App) cfappsv1alpha1.LifecycleType {
	if app.Docker() {
		return cfappsv1alpha1.DockerLifecycle
	}
	return cfappsv1alpha1.BuildpackLifecycle
}

func (s *Stagers) StagerForApp(app *cfappsv1alpha1.App) Stager {
	if SelectBackend(app) == BackendDEA {
		return s.config.NewLegacyStager(app)
	}

	lifecycle := SelectLifecycle(app)
	return &DiegoStager{
		app:       app,
		lifecycle: lifecycle,
		handler:   s.completionHandler(lifecycle, true),
		client:    s.config.Client,
		kpack:     s.config.Kpack,
		logger:    s.config.Logger.WithValues("stager", "diego", "app", app.Name),
	}
}

// StagerForPackage stages a package on its own, without touching the owning app
func (s *Stagers) StagerForPackage(pkg *cfappsv1alpha1.Package, lifecycle cfappsv1alpha1.LifecycleType) (Stager, error) {
	handler := s.completionHandler(lifecycle, false)
	if handler == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLifecycle, lifecycle)
	}

	return &DiegoStager{
		pkg:       pkg,
		lifecycle: lifecycle,
		handler:   handler,
		client:    s.config.Client,
		kpack:     s.config.Kpack,
		logger:    s.config.Logger.WithValues("stager", "diego", "package", pkg.Name),
	}, nil
}

func (s *Stagers) completionHandler(lifecycle cfappsv1alpha1.LifecycleType, startsApp bool) CompletionHandler {
	deps := CompletionDeps{
		Apps:     s.config.Apps,
		Droplets: s.config.Droplets,
		Runners:  s.config.Runners,
		Images:   s.config.Images,
		Recorder: s.config.Recorder,
		Logger:   s.config.Logger.WithName("completion"),
	}

	switch lifecycle {
	case cfappsv1alpha1.BuildpackLifecycle:
		return NewBuildpackCompletionHandler(deps, startsApp)
	case cfappsv1alpha1.DockerLifecycle:
		return NewDockerCompletionHandler(deps, startsApp)
	default:
		return nil
	}
}

// StageApp validates app, records a new droplet for the attempt and starts it on the app's backend
func (s *Stagers) StageApp(ctx context.Context, app *cfappsv1alpha1.App) (*cfappsv1alpha1.Droplet, error) {
	if err := s.ValidateApp(ctx, app); err != nil {
		return nil, err
	}

	backend := SelectBackend(app)
	lifecycle := SelectLifecycle(app)
	stagingGUID := uuid.New().String()

	droplet := &cfappsv1alpha1.Droplet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      stagingGUID,
			Namespace: app.Namespace,
			Labels: map[string]string{
				cfappsv1alpha1.AppGUIDLabel: app.Name,
			},
		},
		Spec: cfappsv1alpha1.DropletSpec{
			Type: lifecycle,
			AppRef: cfappsv1alpha1.ApplicationReference{
				Kind:       "App",
				APIVersion: cfappsv1alpha1.GroupVersion.String(),
				Name:       app.Name,
			},
			StagingGUID: stagingGUID,
		},
		Status: cfappsv1alpha1.DropletStatus{
			State: cfappsv1alpha1.DropletStaging,
		},
	}
	if err := s.config.Droplets.Create(ctx, droplet); err != nil {
		return nil, fmt.Errorf("creating droplet: %w", err)
	}

	app.MarkAsStaging()
	if err := s.config.Apps.Save(ctx, app); err != nil {
		return nil, fmt.Errorf("saving app %s: %w", app.Name, err)
	}

	details := StagingDetails{
		StagingGUID: stagingGUID,
		Lifecycle:   lifecycle,
		Droplet:     droplet,
		MemoryMB:    s.config.StagingMemoryMB,
		DiskMB:      s.config.StagingDiskMB,
		Stack:       app.Stack(),
	}
	if details.Stack == "" {
		details.Stack = s.config.DefaultStack
	}

	s.config.Recorder.StagingRequested(string(backend), string(lifecycle))
	s.config.Logger.Info(fmt.Sprintf("Staging app %s on %s with %s lifecycle", app.Name, backend, lifecycle))

	if err := s.StagerForApp(app).Stage(ctx, details); err != nil {
		if markErr := markDropletFailed(ctx, s.config.Droplets, stagingGUID, err.Error()); markErr != nil {
			s.config.Logger.Error(markErr, "unable to mark droplet as failed", "droplet", stagingGUID)
		}
		if markErr := markAppFailed(ctx, s.config.Apps, app.Name); markErr != nil {
			s.config.Logger.Error(markErr, "unable to mark app as failed to stage", "app", app.Name)
		}
		return nil, err
	}
	return droplet, nil
}

func markDropletFailed(ctx context.Context, droplets DropletStore, stagingGUID, message string) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		droplet, err := droplets.Find(ctx, stagingGUID)
		if err != nil {
			return err
		}
		if droplet.Terminal() {
			return nil
		}
		droplet.Status.State = cfappsv1alpha1.DropletFailed
		droplet.Status.Error = message
		return droplets.Save(ctx, droplet)
	})
}

// StagerForDroplet finds the stager that owns completion of droplet. Droplets that belong to
// a Build were staged from their package; all others were staged for their app.
func (s *Stagers) StagerForDroplet(ctx context.Context, droplet *cfappsv1alpha1.Droplet) (Stager, error) {
	if droplet.Spec.BuildRef.Name != "" {
		pkg, err := s.config.Packages.Find(ctx, droplet.Spec.PackageRef.Name)
		if err != nil {
			return nil, fmt.Errorf("finding package %s: %w", droplet.Spec.PackageRef.Name, err)
		}
		return s.StagerForPackage(pkg, droplet.Spec.Type)
	}

	app, err := s.config.Apps.Find(ctx, droplet.Spec.AppRef.Name)
	if err != nil {
		return nil, fmt.Errorf("finding app %s: %w", droplet.Spec.AppRef.Name, err)
	}
	return s.StagerForApp(app), nil
}

// StagingComplete routes a completion payload to the stager that owns droplet
func (s *Stagers) StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error {
	stager, err := s.StagerForDroplet(ctx, droplet)
	if err != nil {
		return err
	}
	return stager.StagingComplete(ctx, droplet, payload)
}
