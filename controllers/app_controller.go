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

package controllers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/runners"
)

const (
	ProcessGUIDLabel = "apps.cloudfoundry.org/processGuid"

	defaultPort        int32 = 8080
	defaultMemoryMB    int64 = 1024
	defaultDiskQuotaMB int64 = 1024
)

// AppReconciler reconciles a App object
type AppReconciler struct {
	client.Client
	Scheme *runtime.Scheme
}

//+kubebuilder:rbac:groups=apps.cloudfoundry.org,resources=apps,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=apps.cloudfoundry.org,resources=apps/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=apps.cloudfoundry.org,resources=processes,verbs=get;list;watch;create;update;patch;delete

// Reconcile creates a Process for every process type of the app's current droplet.
// Apps run by the remote scheduler get LRPs from their runner instead.
func (r *AppReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	app := new(cfappsv1alpha1.App)
	if err := r.Get(ctx, req.NamespacedName, app); err != nil {
		logger.Info(fmt.Sprintf("Error fetching app: %s", err))
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	// If there isn't a current droplet set, don't return an error as this will cause a retry loop
	// once the app spec changes with this information, it'll reconcile then
	if app.Spec.Diego || app.Spec.CurrentDropletRef.Name == "" {
		return ctrl.Result{}, nil
	}

	droplet := new(cfappsv1alpha1.Droplet)
	if err := r.Get(ctx, types.NamespacedName{Name: app.Spec.CurrentDropletRef.Name, Namespace: req.Namespace}, droplet); err != nil {
		logger.Info(fmt.Sprintf("Error fetching droplet: %s", err))
		return ctrl.Result{}, err
	}

	var errStrings []string
	logger.Info("Starting process creation")
	for _, processType := range dropletProcessTypes(droplet) {
		logger.Info("Creating process type: " + processType)

		desiredProcess := desiredProcess(app, droplet, processType)
		actualProcess := &cfappsv1alpha1.Process{
			ObjectMeta: metav1.ObjectMeta{
				Name:      desiredProcess.Name,
				Namespace: desiredProcess.Namespace,
			},
		}

		result, err := controllerutil.CreateOrUpdate(ctx, r.Client, actualProcess, processMutateFunction(actualProcess, desiredProcess))
		if err != nil {
			logger.Info(fmt.Sprintf("Error occurred creating/updating Process: %s, %s", result, err))
			errStrings = append(errStrings, err.Error())
			continue
		}

		logger.Info(fmt.Sprintf("Successfully Created/Updated Process %s: %s", actualProcess.Name, result))
	}

	// Gather all errors from Process creation and return as single error
	if len(errStrings) != 0 {
		err := errors.New(fmt.Sprintf("There was an error during Process creation: %s", strings.Join(errStrings, ", ")))
		logger.Info(err.Error())
		return ctrl.Result{}, err
	}

	logger.Info("Done reconciling")
	return ctrl.Result{}, nil
}

// dropletProcessTypes lists the droplet's process types in order; a droplet without any still runs web
func dropletProcessTypes(droplet *cfappsv1alpha1.Droplet) []string {
	if len(droplet.Status.ProcessTypes) == 0 {
		return []string{runners.WebProcessType}
	}
	processTypes := make([]string, 0, len(droplet.Status.ProcessTypes))
	for processType := range droplet.Status.ProcessTypes {
		processTypes = append(processTypes, processType)
	}
	sort.Strings(processTypes)
	return processTypes
}

func desiredProcess(app *cfappsv1alpha1.App, droplet *cfappsv1alpha1.Droplet, processType string) *cfappsv1alpha1.Process {
	// For now let's make the "guid" a combo of app guid + process type
	processGUID := fmt.Sprintf("%s-%s", app.Name, processType)

	command := droplet.Status.ProcessTypes[processType]
	instances := 0
	healthCheck := cfappsv1alpha1.ProcessHealthCheckType
	if processType == runners.WebProcessType {
		instances = app.Spec.Instances
		healthCheck = cfappsv1alpha1.PortHealthCheckType
		if app.Spec.Command != "" {
			command = app.Spec.Command
		}
	}

	exposedPorts := droplet.Status.Ports
	if len(exposedPorts) == 0 {
		exposedPorts = []int32{defaultPort}
	}

	memoryMB := app.Spec.MemoryMB
	if memoryMB == 0 {
		memoryMB = defaultMemoryMB
	}
	diskQuotaMB := app.Spec.DiskQuotaMB
	if diskQuotaMB == 0 {
		diskQuotaMB = defaultDiskQuotaMB
	}

	state := app.Spec.DesiredState
	if state == "" {
		state = cfappsv1alpha1.StoppedState
	}

	return &cfappsv1alpha1.Process{
		ObjectMeta: metav1.ObjectMeta{
			Name:      processGUID,
			Namespace: app.Namespace,
			Labels: map[string]string{
				cfappsv1alpha1.AppGUIDLabel:     app.Name,
				cfappsv1alpha1.DropletGUIDLabel: droplet.Name,
				ProcessGUIDLabel:                processGUID,
				runners.ProcessTypeLabel:        processType,
			},
			OwnerReferences: []metav1.OwnerReference{
				{
					APIVersion: cfappsv1alpha1.GroupVersion.String(),
					Kind:       "App",
					Name:       app.Name,
					UID:        app.UID,
				},
			},
		},
		Spec: cfappsv1alpha1.ProcessSpec{
			AppRef: cfappsv1alpha1.ApplicationReference{
				Kind:       "App",
				APIVersion: cfappsv1alpha1.GroupVersion.String(),
				Name:       app.Name,
			},
			DropletRef: cfappsv1alpha1.DropletReference{
				Kind:       "Droplet",
				APIVersion: cfappsv1alpha1.GroupVersion.String(),
				Name:       droplet.Name,
			},
			ProcessType: processType,
			Command:     command,
			State:       state,
			HealthCheck: cfappsv1alpha1.HealthCheck{
				Type: healthCheck,
			},
			Instances:   instances,
			MemoryMB:    memoryMB,
			DiskQuotaMB: diskQuotaMB,
			Ports:       exposedPorts,
		},
	}
}

func processMutateFunction(actualProcess, desiredProcess *cfappsv1alpha1.Process) controllerutil.MutateFn {
	return func() error {
		actualProcess.ObjectMeta.Labels = desiredProcess.ObjectMeta.Labels
		actualProcess.ObjectMeta.Annotations = desiredProcess.ObjectMeta.Annotations
		actualProcess.ObjectMeta.OwnerReferences = desiredProcess.ObjectMeta.OwnerReferences
		actualProcess.Spec = desiredProcess.Spec
		return nil
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *AppReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&cfappsv1alpha1.App{}).
		Watches(&source.Kind{Type: &cfappsv1alpha1.Droplet{}}, handler.EnqueueRequestsFromMapFunc(func(droplet client.Object) []reconcile.Request {
			appGUID, ok := droplet.GetLabels()[cfappsv1alpha1.AppGUIDLabel]
			if !ok {
				return nil
			}
			return []reconcile.Request{{
				NamespacedName: types.NamespacedName{
					Name:      appGUID,
					Namespace: droplet.GetNamespace(),
				},
			}}
		})).
		Complete(r)
}
