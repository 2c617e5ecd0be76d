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
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

const UnknownLifecycleReason = "UnknownLifecycle"

type PackageStagers interface {
	StagerForPackage(pkg *cfappsv1alpha1.Package, lifecycle cfappsv1alpha1.LifecycleType) (stagers.Stager, error)
}

// BuildReconciler stages the package referenced by a Build into a Droplet of the same name
type BuildReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Stagers  PackageStagers
	Droplets stagers.DropletStore

	StagingMemoryMB int64
	StagingDiskMB   int64
	DefaultStack    string
}

//+kubebuilder:rbac:groups=apps.cloudfoundry.org,resources=builds,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=apps.cloudfoundry.org,resources=builds/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=apps.cloudfoundry.org,resources=droplets,verbs=get;list;watch;create;update;patch
//+kubebuilder:rbac:groups=apps.cloudfoundry.org,resources=droplets/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=kpack.io,resources=images,verbs=get;list;watch;create;update;patch;delete

// Reconcile starts staging for a new Build and copies the outcome of its Droplet into the Build conditions
//
// buildpack Build Status
// created(staging)
//		-> build reconciler makes droplet and kpack image (staging)
//			-> kpack build completes, kpack build reconciler stages the droplet (staged/failed)
//				-> build reconciler sees the terminal droplet and sets Succeeded
//
// docker Build Status
// created(staging)
//		-> build reconciler makes droplet, docker staging completes in place (staged/failed)
func (r *BuildReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var currentBuild cfappsv1alpha1.Build
	logger.Info(fmt.Sprintf("Attempting to reconcile %s", req.NamespacedName))
	if err := r.Get(ctx, req.NamespacedName, &currentBuild); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("Build no longer exists")
		} else {
			logger.Info(fmt.Sprintf("Error fetching build: %s", err))
		}
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	buildSucceededStatusValue := getConditionOrSetAsUnknown(&currentBuild.Status.Conditions, cfappsv1alpha1.SucceededConditionType)
	buildStagingStatusValue := getConditionOrSetAsUnknown(&currentBuild.Status.Conditions, cfappsv1alpha1.StagingConditionType)

	// The outcome of a finished build never changes
	if buildSucceededStatusValue != metav1.ConditionUnknown {
		return ctrl.Result{}, nil
	}

	reason := strings.Title(string(currentBuild.Spec.Type))

	if buildStagingStatusValue == metav1.ConditionUnknown {
		var buildPackage cfappsv1alpha1.Package
		if err := r.Get(ctx, types.NamespacedName{Name: currentBuild.Spec.PackageRef.Name, Namespace: req.Namespace}, &buildPackage); err != nil {
			logger.Info(fmt.Sprintf("Error fetching package: %s", err))
			return ctrl.Result{}, err
		}

		// Package empty - return ctrl with err to force retry logic
		if buildPackage.Spec.Source.Registry.Image == "" {
			updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.SucceededConditionType, metav1.ConditionUnknown, reason, "packageRef package was empty")
			updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.ReadyConditionType, metav1.ConditionFalse, reason, "packageRef package was empty")

			var err error
			if err = r.Status().Update(ctx, &currentBuild); err != nil {
				logger.Error(err, "unable to update Build status")
				logger.Info(fmt.Sprintf("Build status: %+v", currentBuild.Status))
			} else {
				err = errors.New("packageRef package was empty")
			}
			return ctrl.Result{}, err
		}

		stager, err := r.Stagers.StagerForPackage(&buildPackage, currentBuild.Spec.Type)
		if err != nil {
			if !errors.Is(err, stagers.ErrUnknownLifecycle) {
				return ctrl.Result{}, err
			}
			logger.Info(fmt.Sprintf("Build %s cannot be staged: %s", currentBuild.Name, err))
			updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.SucceededConditionType, metav1.ConditionFalse, UnknownLifecycleReason, err.Error())
			updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.ReadyConditionType, metav1.ConditionFalse, UnknownLifecycleReason, err.Error())
			updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.StagingConditionType, metav1.ConditionFalse, UnknownLifecycleReason, "")
			return ctrl.Result{}, r.updateBuildStatus(ctx, &currentBuild)
		}

		droplet, err := r.ensureDroplet(ctx, &currentBuild, &buildPackage)
		if err != nil {
			logger.Info(fmt.Sprintf("Error occurred creating Droplet: %s", err))
			return ctrl.Result{}, err
		}

		if !droplet.Terminal() {
			if err := stager.Stage(ctx, r.stagingDetails(&currentBuild, droplet)); err != nil {
				logger.Info(fmt.Sprintf("Error occurred staging Build %s: %s", currentBuild.Name, err))
				return ctrl.Result{}, err
			}
		}

		currentBuild.Status.DropletRef = cfappsv1alpha1.DropletReference{
			Kind:       "Droplet",
			APIVersion: cfappsv1alpha1.GroupVersion.String(),
			Name:       droplet.Name,
		}
		updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.StagingConditionType, metav1.ConditionTrue, reason, "")
		updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.ReadyConditionType, metav1.ConditionFalse, reason, "")
	}

	droplet, err := r.Droplets.Find(ctx, currentBuild.Name)
	if err != nil {
		logger.Info(fmt.Sprintf("Error fetching droplet: %s", err))
		return ctrl.Result{}, err
	}

	if droplet.Terminal() {
		buildSucceeded := metav1.ConditionFalse
		if droplet.Status.State == cfappsv1alpha1.DropletStaged {
			buildSucceeded = metav1.ConditionTrue
		}
		updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.StagingConditionType, metav1.ConditionFalse, reason, "")
		updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.SucceededConditionType, buildSucceeded, reason, droplet.Status.Error)
		updateLocalConditionStatus(&currentBuild.Status.Conditions, cfappsv1alpha1.ReadyConditionType, buildSucceeded, reason, droplet.Status.Error)
	}

	return ctrl.Result{}, r.updateBuildStatus(ctx, &currentBuild)
}

func (r *BuildReconciler) updateBuildStatus(ctx context.Context, build *cfappsv1alpha1.Build) error {
	if err := r.Status().Update(ctx, build); err != nil {
		logger := log.FromContext(ctx)
		logger.Error(err, "unable to update Build status")
		logger.Info(fmt.Sprintf("Build status: %+v", build.Status))
		return err
	}
	return nil
}

// ensureDroplet returns the Droplet for build, creating it in STAGING state on the first pass
func (r *BuildReconciler) ensureDroplet(ctx context.Context, build *cfappsv1alpha1.Build, pkg *cfappsv1alpha1.Package) (*cfappsv1alpha1.Droplet, error) {
	droplet, err := r.Droplets.Find(ctx, build.Name)
	if err == nil {
		return droplet, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}

	droplet = &cfappsv1alpha1.Droplet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      build.Name,
			Namespace: build.Namespace,
			Labels: map[string]string{
				cfappsv1alpha1.AppGUIDLabel:     build.Spec.AppRef.Name,
				cfappsv1alpha1.BuildGUIDLabel:   build.Name,
				cfappsv1alpha1.PackageGUIDLabel: pkg.Name,
			},
		},
		Spec: cfappsv1alpha1.DropletSpec{
			Type:   build.Spec.Type,
			AppRef: build.Spec.AppRef,
			PackageRef: cfappsv1alpha1.PackageReference{
				Kind:       "Package",
				APIVersion: cfappsv1alpha1.GroupVersion.String(),
				Name:       pkg.Name,
			},
			BuildRef: cfappsv1alpha1.BuildReference{
				Kind:       "Build",
				APIVersion: cfappsv1alpha1.GroupVersion.String(),
				Name:       build.Name,
			},
			StagingGUID: build.Name,
		},
		Status: cfappsv1alpha1.DropletStatus{
			State: cfappsv1alpha1.DropletStaging,
		},
	}
	if err := r.Droplets.Create(ctx, droplet); err != nil {
		return nil, err
	}
	return droplet, nil
}

func (r *BuildReconciler) stagingDetails(build *cfappsv1alpha1.Build, droplet *cfappsv1alpha1.Droplet) stagers.StagingDetails {
	details := stagers.StagingDetails{
		StagingGUID: droplet.Spec.StagingGUID,
		Lifecycle:   build.Spec.Type,
		Droplet:     droplet,
		MemoryMB:    build.Spec.StagingMemoryMB,
		DiskMB:      build.Spec.StagingDiskMB,
		Stack:       build.Spec.LifecycleData.Stack,
	}
	if details.MemoryMB == 0 {
		details.MemoryMB = r.StagingMemoryMB
	}
	if details.DiskMB == 0 {
		details.DiskMB = r.StagingDiskMB
	}
	if details.Stack == "" {
		details.Stack = r.DefaultStack
	}
	return details
}

// SetupWithManager sets up the controller with the Manager.
func (r *BuildReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&cfappsv1alpha1.Build{}).
		Watches(&source.Kind{Type: &cfappsv1alpha1.Droplet{}}, handler.EnqueueRequestsFromMapFunc(dropletToBuildRequests)).
		Complete(r)
}

func dropletToBuildRequests(obj client.Object) []reconcile.Request {
	droplet, ok := obj.(*cfappsv1alpha1.Droplet)
	if !ok || droplet.Spec.BuildRef.Name == "" {
		return nil
	}
	return []reconcile.Request{{
		NamespacedName: types.NamespacedName{
			Name:      droplet.Spec.BuildRef.Name,
			Namespace: droplet.GetNamespace(),
		},
	}}
}

// getConditionOrSetAsUnknown is a helper function that retrieves the value of the provided conditionType, like "Succeeded" and returns the value: "True", "False", or "Unknown"
//	if the value is not present, the pointer to the list of conditions provided to the function is used to add an entry to the list of Conditions with a value of "Unknown" and "Unknown" is returned
func getConditionOrSetAsUnknown(conditions *[]metav1.Condition, conditionType string) metav1.ConditionStatus {
	conditionStatus := meta.FindStatusCondition(*conditions, conditionType)
	conditionStatusValue := metav1.ConditionUnknown
	if conditionStatus != nil {
		conditionStatusValue = conditionStatus.Status
	} else {
		meta.SetStatusCondition(conditions, metav1.Condition{
			Type:    conditionType,
			Status:  metav1.ConditionUnknown,
			Reason:  "NotReady",
			Message: "",
		})
	}
	return conditionStatusValue
}

// This is a helper function for updating local copy of status conditions
func updateLocalConditionStatus(conditions *[]metav1.Condition, conditionType string, conditionStatus metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(conditions, metav1.Condition{
		Type:    conditionType,
		Status:  conditionStatus,
		Reason:  reason,
		Message: message,
	})
}
