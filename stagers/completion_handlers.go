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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/retry"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/metrics"
	"cloudfoundry.org/cf-crd-staging/runners"
)

// StagingErrorReason is recorded on apps whose staging attempt failed
const StagingErrorReason = "StagingError"

const defaultBuildpackPort int32 = 8080

type RunnerFactory interface {
	RunnerFor(app *cfappsv1alpha1.App) runners.Runner
}

// CompletionDeps are the collaborators every completion handler writes through
type CompletionDeps struct {
	Apps     AppStore
	Droplets DropletStore
	Runners  RunnerFactory
	Images   ImageConfigFetcher
	Recorder *metrics.Recorder
	Logger   logr.Logger
}

// BuildpackCompletionHandler finishes a buildpack staging attempt. When StartsApp is set
// the owning app is pointed at the new droplet and started.
type BuildpackCompletionHandler struct {
	CompletionDeps
	StartsApp bool
}

func NewBuildpackCompletionHandler(deps CompletionDeps, startsApp bool) *BuildpackCompletionHandler {
	return &BuildpackCompletionHandler{CompletionDeps: deps, StartsApp: startsApp}
}

func (h *BuildpackCompletionHandler) StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error {
	return h.complete(ctx, droplet, payload, h.StartsApp, func(result CompletionPayload) (runners.StagingResult, error) {
		imageConfig, err := h.Images.FetchImageConfig(ctx, result.Image, result.ImagePullSecrets, droplet.Namespace)
		if err != nil {
			return runners.StagingResult{}, fmt.Errorf("fetching image config: %w", err)
		}

		processTypes, err := extractProcessTypes(imageConfig)
		if err != nil {
			return runners.StagingResult{}, err
		}

		ports, err := extractExposedPorts(imageConfig)
		if err != nil {
			return runners.StagingResult{}, err
		}
		if len(ports) == 0 {
			ports = []int32{defaultBuildpackPort}
		}

		return runners.StagingResult{
			DropletGUID:       droplet.Name,
			Image:             result.Image,
			ProcessTypes:      processTypes,
			Ports:             ports,
			DetectedBuildpack: result.DetectedBuildpack,
		}, nil
	})
}

// DockerCompletionHandler finishes staging of a prebuilt image: there is nothing to
// build, the image config alone describes the droplet
type DockerCompletionHandler struct {
	CompletionDeps
	StartsApp bool
}

func NewDockerCompletionHandler(deps CompletionDeps, startsApp bool) *DockerCompletionHandler {
	return &DockerCompletionHandler{CompletionDeps: deps, StartsApp: startsApp}
}

func (h *DockerCompletionHandler) StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error {
	return h.complete(ctx, droplet, payload, h.StartsApp, func(result CompletionPayload) (runners.StagingResult, error) {
		imageConfig, err := h.Images.FetchImageConfig(ctx, result.Image, result.ImagePullSecrets, droplet.Namespace)
		if err != nil {
			return runners.StagingResult{}, fmt.Errorf("fetching image config: %w", err)
		}

		ports, err := extractExposedPorts(imageConfig)
		if err != nil {
			return runners.StagingResult{}, err
		}

		processTypes := map[string]string{}
		if command := imageStartCommand(imageConfig); command != "" {
			processTypes[runners.WebProcessType] = command
		}

		return runners.StagingResult{
			DropletGUID:  droplet.Name,
			Image:        result.Image,
			ProcessTypes: processTypes,
			Ports:        ports,
		}, nil
	})
}

type resultExtractor func(CompletionPayload) (runners.StagingResult, error)

func (d CompletionDeps) complete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte, startsApp bool, extract resultExtractor) error {
	logger := d.Logger.WithValues("droplet", droplet.Name)

	// completions are delivered at least once
	if droplet.Terminal() {
		logger.Info(fmt.Sprintf("Droplet already %s, ignoring completion", droplet.Status.State))
		return nil
	}

	var completion CompletionPayload
	if err := json.Unmarshal(payload, &completion); err != nil {
		return fmt.Errorf("decoding staging completion: %w", err)
	}

	if completion.Error != "" {
		return d.fail(ctx, droplet, completion.Error, startsApp)
	}

	result, err := extract(completion)
	if err != nil {
		if failErr := d.fail(ctx, droplet, err.Error(), startsApp); failErr != nil {
			logger.Error(failErr, "unable to record staging failure")
		}
		return err
	}

	droplet.Status.State = cfappsv1alpha1.DropletStaged
	droplet.Status.Error = ""
	droplet.Status.Image = cfappsv1alpha1.Image{Reference: result.Image}
	if len(completion.ImagePullSecrets) > 0 {
		droplet.Status.Image.PullSecretName = completion.ImagePullSecrets[0].Name
	}
	droplet.Status.ProcessTypes = result.ProcessTypes
	droplet.Status.Ports = result.Ports
	droplet.Status.DetectedBuildpack = result.DetectedBuildpack
	if err := d.Droplets.Save(ctx, droplet); err != nil {
		return fmt.Errorf("saving droplet %s: %w", droplet.Name, err)
	}
	d.Recorder.StagingCompleted(string(BackendDiego), "succeeded")
	logger.Info("Staging succeeded")

	if !startsApp {
		return nil
	}

	app, err := d.Apps.Find(ctx, droplet.Spec.AppRef.Name)
	if err != nil {
		return fmt.Errorf("finding app %s: %w", droplet.Spec.AppRef.Name, err)
	}
	return d.Runners.RunnerFor(app).Start(ctx, result)
}

func (d CompletionDeps) fail(ctx context.Context, droplet *cfappsv1alpha1.Droplet, reason string, marksApp bool) error {
	d.Logger.Info(fmt.Sprintf("Staging failed for droplet %s: %s", droplet.Name, reason))
	d.Recorder.StagingCompleted(string(BackendDiego), "failed")

	droplet.Status.State = cfappsv1alpha1.DropletFailed
	droplet.Status.Error = strings.TrimSpace(reason)
	if err := d.Droplets.Save(ctx, droplet); err != nil {
		return fmt.Errorf("saving droplet %s: %w", droplet.Name, err)
	}

	if !marksApp {
		return nil
	}
	return markAppFailed(ctx, d.Apps, droplet.Spec.AppRef.Name)
}

func markAppFailed(ctx context.Context, apps AppStore, appGUID string) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		app, err := apps.Find(ctx, appGUID)
		if err != nil {
			return fmt.Errorf("finding app %s: %w", appGUID, err)
		}
		app.MarkAsFailedToStage(StagingErrorReason)
		return apps.Save(ctx, app)
	})
}
