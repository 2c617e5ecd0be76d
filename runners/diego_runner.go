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
	"sort"
	"strings"

	eiriniv1 "code.cloudfoundry.org/eirini/pkg/apis/eirini/v1"
	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
)

const (
	WebProcessType   = "web"
	ProcessTypeLabel = "apps.cloudfoundry.org/processType"
)

// DiegoRunner desires one eirini LRP per process type of the staged droplet
type DiegoRunner struct {
	appGUID string
	apps    AppStore
	client  client.Client
	logger  logr.Logger
}

func (r *DiegoRunner) Start(ctx context.Context, result StagingResult) error {
	app, err := promote(ctx, r.apps, r.appGUID, result)
	if err != nil {
		return err
	}

	for _, processType := range processTypes(result) {
		desired := desiredLRP(app, result, processType)
		actual := &eiriniv1.LRP{
			ObjectMeta: metav1.ObjectMeta{
				Name:      desired.Name,
				Namespace: desired.Namespace,
			},
		}
		op, err := controllerutil.CreateOrUpdate(ctx, r.client, actual, lrpMutateFunction(actual, desired))
		if err != nil {
			r.logger.Info(fmt.Sprintf("Error occurred updating LRP %s: %s", desired.Name, err))
			return fmt.Errorf("desiring LRP %s: %w", desired.Name, err)
		}
		r.logger.Info(fmt.Sprintf("LRP %s %s", desired.Name, op))
	}
	return nil
}

func processTypes(result StagingResult) []string {
	if len(result.ProcessTypes) == 0 {
		return []string{WebProcessType}
	}
	types := make([]string, 0, len(result.ProcessTypes))
	for processType := range result.ProcessTypes {
		types = append(types, processType)
	}
	sort.Strings(types)
	return types
}

func desiredLRP(app *cfappsv1alpha1.App, result StagingResult, processType string) *eiriniv1.LRP {
	command := result.ProcessTypes[processType]
	instances := 0
	if processType == WebProcessType {
		if app.Spec.Command != "" {
			command = app.Spec.Command
		}
		instances = app.Spec.Instances
	}

	lrp := &eiriniv1.LRP{
		ObjectMeta: metav1.ObjectMeta{
			Name:      strings.ToLower(app.Name + "-" + processType),
			Namespace: app.Namespace,
			Labels: map[string]string{
				cfappsv1alpha1.AppGUIDLabel:     app.Name,
				cfappsv1alpha1.DropletGUIDLabel: result.DropletGUID,
				ProcessTypeLabel:                processType,
			},
		},
		Spec: eiriniv1.LRPSpec{
			GUID:        app.Name + "-" + processType,
			Version:     result.DropletGUID,
			ProcessType: processType,
			AppGUID:     app.Name,
			AppName:     app.Spec.Name,
			Image:       result.Image,
			Ports:       result.Ports,
			Instances:   instances,
			MemoryMB:    app.Spec.MemoryMB,
			DiskMB:      app.Spec.DiskQuotaMB,
		},
	}
	if command != "" {
		lrp.Spec.Command = []string{"/bin/sh", "-c", command}
	}
	return lrp
}

func lrpMutateFunction(actual, desired *eiriniv1.LRP) controllerutil.MutateFn {
	return func() error {
		actual.ObjectMeta.Labels = desired.ObjectMeta.Labels
		actual.Spec = desired.Spec
		return nil
	}
}
