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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	buildv1alpha1 "github.com/pivotal/kpack/pkg/apis/build/v1alpha1"
	corev1alpha1 "github.com/pivotal/kpack/pkg/apis/core/v1alpha1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

const BuildReasonAnnotation = "image.kpack.io/reason"
const StackUpdateBuildReason = "STACK"

type CompletionRouter interface {
	StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error
}

type DropletFinder interface {
	Find(ctx context.Context, stagingGUID string) (*cfappsv1alpha1.Droplet, error)
}

// CFKpackBuildReconciler reports terminal kpack Builds back to the stager that started them
type CFKpackBuildReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Stagers  CompletionRouter
	Droplets DropletFinder
}

//+kubebuilder:rbac:groups=kpack.io,resources=builds,verbs=get;list;watch
//+kubebuilder:rbac:groups=kpack.io,resources=builds/status,verbs=get

func (r *CFKpackBuildReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var kpackBuild buildv1alpha1.Build

	logger.Info(fmt.Sprintf("Attempting to reconcile %s", req.NamespacedName))
	if err := r.Get(ctx, req.NamespacedName, &kpackBuild); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("Kpack Build no longer exists")
		}

		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	droplet, err := r.Droplets.Find(ctx, kpackBuild.ObjectMeta.Labels[cfappsv1alpha1.DropletGUIDLabel])
	if err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("Droplet no longer exists")
		}

		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if droplet.Terminal() {
		logger.Info(fmt.Sprintf("Droplet %s already %s", droplet.Name, droplet.Status.State))
		return ctrl.Result{}, nil
	}

	var payload stagers.CompletionPayload
	condition := kpackBuild.Status.GetCondition(corev1alpha1.ConditionSucceeded)
	if condition.IsTrue() {
		payload = successfulBuildPayload(&kpackBuild)
	} else {
		payload.Error = buildFailureMessage(&kpackBuild)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ctrl.Result{}, err
	}
	if err := r.Stagers.StagingComplete(ctx, droplet, body); err != nil {
		logger.Error(err, "unable to complete staging", "droplet", droplet.Name)
		return ctrl.Result{}, err
	}

	buildGUID, ok := kpackBuild.ObjectMeta.Labels[cfappsv1alpha1.BuildGUIDLabel]
	if !ok {
		return ctrl.Result{}, nil
	}

	var cfBuild cfappsv1alpha1.Build
	if err := r.Get(ctx, types.NamespacedName{Name: buildGUID, Namespace: req.Namespace}, &cfBuild); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("CF Build no longer exists")
		}

		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if condition.IsTrue() {
		return r.reconcileSuccessfulBuild(ctx, &cfBuild, logger)
	}
	return r.reconcileFailedBuild(ctx, &cfBuild, payload.Error, logger)
}

// SetupWithManager sets up the controller with the Manager.
func (r *CFKpackBuildReconciler) SetupWithManager(mgr ctrl.Manager) error {
	ctx := context.Background()
	logger := log.FromContext(ctx)

	return ctrl.NewControllerManagedBy(mgr).
		For(&buildv1alpha1.Build{}).
		WithEventFilter(predicate.Funcs{
			CreateFunc: func(e event.CreateEvent) bool {
				logger.WithValues("requestLink", e.Object.GetSelfLink()).
					V(1).Info("Kpack Build create event received")
				return buildFilter(e.Object)
			},
			UpdateFunc: func(e event.UpdateEvent) bool {
				logger.WithValues("requestLink", e.ObjectNew.GetSelfLink()).
					V(1).Info("Kpack Build update event received")
				return buildFilter(e.ObjectNew)
			},
			DeleteFunc:  func(_ event.DeleteEvent) bool { return false },
			GenericFunc: func(_ event.GenericEvent) bool { return false },
		}).
		Complete(r)
}

var BuildFilterError = errors.New("Received a build event with a non-build runtime.Object")

func buildFilter(e runtime.Object) bool {
	ctx := context.Background()
	logger := log.FromContext(ctx)

	newBuild, ok := e.(*buildv1alpha1.Build)
	if !ok {
		logger.WithValues("event", e).Error(BuildFilterError, "ignoring event")
		return false
	}

	if _, isGuidPresent := newBuild.ObjectMeta.Labels[cfappsv1alpha1.DropletGUIDLabel]; !isGuidPresent {
		logger.WithValues("build", newBuild).V(1).Info("ignoring event: received update event for a non-CF Build resource")
		return false
	}
	buildReason, ok := newBuild.ObjectMeta.Annotations[BuildReasonAnnotation]
	if !ok {
		logger.WithValues("build", newBuild).V(1).Info("ignoring event: received update event that was missing the build reason")
		return false
	}

	// Ignoring builds triggered by Stack updates for now
	if buildReason == StackUpdateBuildReason {
		logger.WithValues("build", newBuild).V(1).Info("ignoring event: build triggered due to an automatic stack update")
		return false
	}

	// Wait until the 'Succeeded' condition is in a terminal 'False' or 'True' state
	if newBuild.Status.GetCondition(corev1alpha1.ConditionSucceeded).IsUnknown() {
		logger.WithValues("build", newBuild).V(1).Info("ignoring event: build 'Succeeded' condition status is Unknown")
		return false
	}

	logger.WithValues("build", newBuild).V(1).Info("event passed ignore filters, continuing with reconciliation")
	return true
}

func successfulBuildPayload(kpackBuild *buildv1alpha1.Build) stagers.CompletionPayload {
	payload := stagers.CompletionPayload{
		Image: kpackBuild.Status.LatestImage,
	}
	if kpackBuild.Spec.Source.Registry != nil {
		payload.ImagePullSecrets = kpackBuild.Spec.Source.Registry.ImagePullSecrets
	}
	if len(kpackBuild.Status.BuildMetadata) > 0 {
		payload.DetectedBuildpack = kpackBuild.Status.BuildMetadata[0].Id
	}
	return payload
}

func buildFailureMessage(kpackBuild *buildv1alpha1.Build) string {
	condition := kpackBuild.Status.GetCondition(corev1alpha1.ConditionSucceeded)

	failedContainerState := findAnyFailedContainerState(kpackBuild.Status.StepStates)
	if failedContainerState != nil {
		return fmt.Sprintf(
			"Kpack build failed during container execution: Step failure reason: '%s', message: '%s'.",
			failedContainerState.Terminated.Reason,
			failedContainerState.Terminated.Message,
		)
	}

	var reason, message string
	if condition != nil {
		reason, message = condition.Reason, condition.Message
	}
	return fmt.Sprintf(
		"Kpack build unsuccessful: Build failure reason: '%s', message: '%s'.",
		reason,
		message,
	)
}

func (r *CFKpackBuildReconciler) reconcileSuccessfulBuild(ctx context.Context, cfBuild *cfappsv1alpha1.Build, logger logr.Logger) (ctrl.Result, error) {
	logger.Info("Kpack Build completed successfully")

	meta.SetStatusCondition(&cfBuild.Status.Conditions, metav1.Condition{
		Type:    cfappsv1alpha1.StagingConditionType,
		Status:  metav1.ConditionFalse,
		Reason:  "Succeeded",
		Message: "",
	})

	if err := r.Status().Update(ctx, cfBuild); err != nil {
		logger.Error(err, "unable to update Build status")
		logger.Info(fmt.Sprintf("Build status: %+v", cfBuild.Status))
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

func (r *CFKpackBuildReconciler) reconcileFailedBuild(ctx context.Context, cfBuild *cfappsv1alpha1.Build, errorMessage string, logger logr.Logger) (ctrl.Result, error) {
	logger.Info("Kpack Build failed")

	meta.SetStatusCondition(&cfBuild.Status.Conditions, metav1.Condition{
		Type:    cfappsv1alpha1.StagingConditionType,
		Status:  metav1.ConditionFalse,
		Reason:  "Failed",
		Message: errorMessage,
	})

	if err := r.Status().Update(ctx, cfBuild); err != nil {
		logger.Error(err, "unable to update Build status")
		logger.Info(fmt.Sprintf("Build status: %+v", cfBuild.Status))
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

// returns true if any container has terminated with a non-zero exit code
func findAnyFailedContainerState(containerStates []corev1.ContainerState) *corev1.ContainerState {
	for _, container := range containerStates {
		if container.Terminated != nil && container.Terminated.ExitCode != 0 {
			return &container
		}
	}
	return nil
}
