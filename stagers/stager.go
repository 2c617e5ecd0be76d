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

	corev1 "k8s.io/api/core/v1"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
)

// Backend is the execution substrate that performs staging
type Backend string

const (
	BackendDEA   Backend = "dea"
	BackendDiego Backend = "diego"
)

// StagingDetails is handed by value from the selector to the stager it returns
type StagingDetails struct {
	StagingGUID string
	Lifecycle   cfappsv1alpha1.LifecycleType
	Droplet     *cfappsv1alpha1.Droplet
	MemoryMB    int64
	DiskMB      int64
	Stack       string
}

type Stager interface {
	Stage(ctx context.Context, details StagingDetails) error
	// StagingComplete interprets a backend specific completion payload for droplet
	StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error
	StopStage(ctx context.Context, stagingGUID string) error
}

type CompletionHandler interface {
	StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error
}

// CompletionPayload is what the remote backend reports when a staging attempt ends
type CompletionPayload struct {
	Image             string                        `json:"image,omitempty"`
	ImagePullSecrets  []corev1.LocalObjectReference `json:"imagePullSecrets,omitempty"`
	DetectedBuildpack string                        `json:"detectedBuildpack,omitempty"`
	Error             string                        `json:"error,omitempty"`
}

type AppStore interface {
	Find(ctx context.Context, guid string) (*cfappsv1alpha1.App, error)
	Save(ctx context.Context, app *cfappsv1alpha1.App) error
}

type PackageFinder interface {
	Find(ctx context.Context, guid string) (*cfappsv1alpha1.Package, error)
}

type DropletStore interface {
	Find(ctx context.Context, stagingGUID string) (*cfappsv1alpha1.Droplet, error)
	Create(ctx context.Context, droplet *cfappsv1alpha1.Droplet) error
	Save(ctx context.Context, droplet *cfappsv1alpha1.Droplet) error
}

type FeatureFlags interface {
	IsDisabled(ctx context.Context, flag string) (bool, error)
}

type BuildpackCounter interface {
	Count(ctx context.Context) (int, error)
}
