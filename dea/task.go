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
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/metrics"
	"cloudfoundry.org/cf-crd-staging/runners"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

// SuccessCallback runs once a staging attempt produced a droplet
type SuccessCallback func(ctx context.Context, result runners.StagingResult) error

type BuildpackLister interface {
	List(ctx context.Context) ([]cfappsv1alpha1.Buildpack, error)
}

type StagerFinder interface {
	FindStager(stack string, memoryMB, diskMB int64) (string, error)
}

// AppStagerTask is a single staging attempt of an app on a DEA
type AppStagerTask struct {
	app        *cfappsv1alpha1.App
	details    stagers.StagingDetails
	bus        MessageBus
	pool       StagerFinder
	urls       *URLGenerator
	buildpacks BuildpackLister
	droplets   stagers.DropletStore
	apps       stagers.AppStore
	recorder   *metrics.Recorder
	logger     logr.Logger
}

func (t *AppStagerTask) StagingGUID() string {
	return t.details.StagingGUID
}

// Stage asks a DEA to stage the app. The outcome arrives later through HandleResponse.
func (t *AppStagerTask) Stage(ctx context.Context) error {
	deaID, err := t.pool.FindStager(t.details.Stack, t.details.MemoryMB, t.details.DiskMB)
	if err != nil {
		return err
	}

	request, err := t.stagingRequest(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(request)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("staging.%s.start", deaID)
	if err := t.bus.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	t.logger.Info(fmt.Sprintf("Sent staging request for %s to DEA %s", t.StagingGUID(), deaID))
	return nil
}

func (t *AppStagerTask) stagingRequest(ctx context.Context) (*StagingRequest, error) {
	buildpacks, err := t.buildpacks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing buildpacks: %w", err)
	}

	adminBuildpacks := []AdminBuildpack{}
	for _, bp := range buildpacks {
		if !bp.Spec.Enabled || (bp.Spec.Stack != "" && bp.Spec.Stack != t.details.Stack) {
			continue
		}
		adminBuildpacks = append(adminBuildpacks, AdminBuildpack{
			Key: bp.Spec.Name,
			URL: t.urls.AdminBuildpackURL(bp.Spec.Name),
		})
	}

	return &StagingRequest{
		AppID:                     t.app.Name,
		TaskID:                    t.StagingGUID(),
		Stack:                     t.details.Stack,
		DownloadURI:               t.urls.PackageDownloadURL(t.app.Spec.PackageHash),
		UploadURI:                 t.urls.DropletUploadURL(t.StagingGUID()),
		BuildpackCacheDownloadURI: t.urls.BuildpackCacheDownloadURL(t.app.Name),
		BuildpackCacheUploadURI:   t.urls.BuildpackCacheUploadURL(t.app.Name),
		CompletionCallback:        t.urls.StagingCompletionURL(t.StagingGUID()),
		MemoryMB:                  t.details.MemoryMB,
		DiskMB:                    t.details.DiskMB,
		Buildpack:                 t.app.Spec.Buildpack,
		AdminBuildpacks:           adminBuildpacks,
		Environment:               [][]string{},
	}, nil
}

// HandleResponse interprets the DEA's staging response, records the outcome on the droplet
// and calls onSuccess when staging worked
func (t *AppStagerTask) HandleResponse(ctx context.Context, payload []byte, onSuccess SuccessCallback) error {
	var response StagingResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return fmt.Errorf("decoding staging response: %w", err)
	}
	if response.TaskID != "" && response.TaskID != t.StagingGUID() {
		return fmt.Errorf("staging response for task %s delivered to %s", response.TaskID, t.StagingGUID())
	}

	droplet, err := t.droplets.Find(ctx, t.StagingGUID())
	if err != nil {
		return fmt.Errorf("finding droplet %s: %w", t.StagingGUID(), err)
	}
	if droplet.Terminal() {
		t.logger.Info(fmt.Sprintf("Droplet %s already %s, ignoring staging response", droplet.Name, droplet.Status.State))
		return nil
	}

	if response.Error != "" {
		return t.fail(ctx, droplet, response.Error)
	}

	processTypes := map[string]string{}
	for processType, command := range response.ProcessTypes {
		processTypes[processType] = command
	}
	if _, ok := processTypes[runners.WebProcessType]; !ok && response.DetectedStartCommand != "" {
		processTypes[runners.WebProcessType] = response.DetectedStartCommand
	}

	droplet.Status.State = cfappsv1alpha1.DropletStaged
	droplet.Status.DropletHash = response.DropletSHA1
	droplet.Status.DetectedBuildpack = response.DetectedBuildpack
	droplet.Status.ProcessTypes = processTypes
	droplet.Status.Image = cfappsv1alpha1.Image{Reference: t.urls.DropletDownloadURL(droplet.Name)}
	if err := t.droplets.Save(ctx, droplet); err != nil {
		return fmt.Errorf("saving droplet %s: %w", droplet.Name, err)
	}
	t.recorder.StagingCompleted(string(stagers.BackendDEA), "succeeded")
	t.logger.Info(fmt.Sprintf("Staging %s succeeded", droplet.Name))

	return onSuccess(ctx, runners.StagingResult{
		DropletGUID:       droplet.Name,
		Image:             droplet.Status.Image.Reference,
		ProcessTypes:      processTypes,
		DetectedBuildpack: response.DetectedBuildpack,
	})
}

func (t *AppStagerTask) fail(ctx context.Context, droplet *cfappsv1alpha1.Droplet, reason string) error {
	t.logger.Info(fmt.Sprintf("Staging %s failed: %s", droplet.Name, reason))
	t.recorder.StagingCompleted(string(stagers.BackendDEA), "failed")

	droplet.Status.State = cfappsv1alpha1.DropletFailed
	droplet.Status.Error = reason
	if err := t.droplets.Save(ctx, droplet); err != nil {
		return fmt.Errorf("saving droplet %s: %w", droplet.Name, err)
	}

	app, err := t.apps.Find(ctx, t.app.Name)
	if err != nil {
		return fmt.Errorf("finding app %s: %w", t.app.Name, err)
	}
	app.MarkAsFailedToStage(stagers.StagingErrorReason)
	return t.apps.Save(ctx, app)
}
