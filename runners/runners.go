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

package runners

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
)

// StagingResult carries what a finished staging attempt produced
type StagingResult struct {
	DropletGUID       string
	Image             string
	ProcessTypes      map[string]string
	Ports             []int32
	DetectedBuildpack string
}

type Runner interface {
	Start(ctx context.Context, result StagingResult) error
}

type AppStore interface {
	Find(ctx context.Context, guid string) (*cfappsv1alpha1.App, error)
	Save(ctx context.Context, app *cfappsv1alpha1.App) error
}

type Runners struct {
	client client.Client
	apps   AppStore
	logger logr.Logger
}

func NewRunners(c client.Client, apps AppStore, logger logr.Logger) *Runners {
	return &Runners{client: c, apps: apps, logger: logger}
}

// RunnerFor picks the runtime backend the app is flagged for
func (r *Runners) RunnerFor(app *cfappsv1alpha1.App) Runner {
	if app.Spec.Diego {
		return &DiegoRunner{
			appGUID: app.Name,
			apps:    r.apps,
			client:  r.client,
			logger:  r.logger.WithValues("runner", "diego", "app", app.Name),
		}
	}
	return &DEARunner{
		appGUID: app.Name,
		apps:    r.apps,
		logger:  r.logger.WithValues("runner", "dea", "app", app.Name),
	}
}

// promote points the app at the staged droplet and marks it staged.
// The app is looked up fresh so that a stale copy never overwrites a concurrent change.
func promote(ctx context.Context, apps AppStore, appGUID string, result StagingResult) (*cfappsv1alpha1.App, error) {
	app, err := apps.Find(ctx, appGUID)
	if err != nil {
		return nil, fmt.Errorf("finding app %s: %w", appGUID, err)
	}

	app.Spec.CurrentDropletRef = cfappsv1alpha1.DropletReference{
		Kind:       "Droplet",
		APIVersion: cfappsv1alpha1.GroupVersion.String(),
		Name:       result.DropletGUID,
	}
	app.MarkAsStaged()

	if err := apps.Save(ctx, app); err != nil {
		return nil, fmt.Errorf("saving app %s: %w", appGUID, err)
	}
	return app, nil
}
