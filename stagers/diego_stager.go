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
	buildv1alpha1 "github.com/pivotal/kpack/pkg/apis/build/v1alpha1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
)

const kpackImagePrefix = "cf-build-"

// KpackConfig says where kpack builds images and with which builder
type KpackConfig struct {
	RegistryTagBase     string
	PackageRegistryBase string
	Builder             string
	ServiceAccount      string
}

// DiegoStager stages on the remote scheduler. Buildpack staging is delegated to a kpack
// Image and completes when the kpack Build reconciler reports back; docker staging
// completes synchronously.
type DiegoStager struct {
	app       *cfappsv1alpha1.App
	pkg       *cfappsv1alpha1.Package
	lifecycle cfappsv1alpha1.LifecycleType
	handler   CompletionHandler
	client    client.Client
	kpack     KpackConfig
	logger    logr.Logger
}

func KpackImageName(stagingGUID string) string {
	return kpackImagePrefix + stagingGUID
}

func (s *DiegoStager) Lifecycle() cfappsv1alpha1.LifecycleType {
	return s.lifecycle
}

func (s *DiegoStager) Handler() CompletionHandler {
	return s.handler
}

func (s *DiegoStager) Stage(ctx context.Context, details StagingDetails) error {
	if details.Droplet == nil {
		return fmt.Errorf("staging %s: no droplet", details.StagingGUID)
	}

	if s.lifecycle == cfappsv1alpha1.DockerLifecycle {
		payload, err := json.Marshal(CompletionPayload{
			Image:            s.dockerImage(),
			ImagePullSecrets: s.sourceRegistry().ImagePullSecrets,
		})
		if err != nil {
			return err
		}
		return s.handler.StagingComplete(ctx, details.Droplet, payload)
	}

	return s.createKpackImage(ctx, details)
}

func (s *DiegoStager) StagingComplete(ctx context.Context, droplet *cfappsv1alpha1.Droplet, payload []byte) error {
	return s.handler.StagingComplete(ctx, droplet, payload)
}

// StopStage removes the kpack Image driving the staging attempt, if any
func (s *DiegoStager) StopStage(ctx context.Context, stagingGUID string) error {
	image := &buildv1alpha1.Image{
		ObjectMeta: metav1.ObjectMeta{
			Name:      KpackImageName(stagingGUID),
			Namespace: s.namespace(),
		},
	}
	return client.IgnoreNotFound(s.client.Delete(ctx, image))
}

func (s *DiegoStager) createKpackImage(ctx context.Context, details StagingDetails) error {
	droplet := details.Droplet
	appGUID := droplet.Spec.AppRef.Name

	labels := map[string]string{
		cfappsv1alpha1.AppGUIDLabel:     appGUID,
		cfappsv1alpha1.DropletGUIDLabel: droplet.Name,
	}
	if droplet.Spec.BuildRef.Name != "" {
		labels[cfappsv1alpha1.BuildGUIDLabel] = droplet.Spec.BuildRef.Name
	}

	source := s.sourceRegistry()
	if source.Image == "" {
		return fmt.Errorf("staging %s: package has no source image", details.StagingGUID)
	}

	desiredKpackImage := buildv1alpha1.Image{
		ObjectMeta: metav1.ObjectMeta{
			Name:      KpackImageName(details.StagingGUID),
			Namespace: droplet.Namespace,
			Labels:    labels,
		},
		Spec: buildv1alpha1.ImageSpec{
			Tag: strings.TrimSuffix(s.kpack.RegistryTagBase, "/") + "/" + appGUID,
			Builder: corev1.ObjectReference{
				Kind:       "Builder",
				Namespace:  droplet.Namespace,
				Name:       s.kpack.Builder,
				APIVersion: "kpack.io/v1alpha1",
			},
			ServiceAccount: s.kpack.ServiceAccount,
			Source: buildv1alpha1.SourceConfig{
				Registry: &buildv1alpha1.Registry{
					Image:            source.Image,
					ImagePullSecrets: source.ImagePullSecrets,
				},
			},
		},
	}
	actualImage := &buildv1alpha1.Image{
		ObjectMeta: metav1.ObjectMeta{
			Name:      desiredKpackImage.Name,
			Namespace: desiredKpackImage.Namespace,
		},
	}

	result, err := controllerutil.CreateOrUpdate(ctx, s.client, actualImage, kpackImageMutateFunction(actualImage, &desiredKpackImage))
	if err != nil {
		s.logger.Info(fmt.Sprintf("Error occurred updating kpack Image: %s, %s", result, err))
		return err
	}
	s.logger.Info(fmt.Sprintf("kpack Image %s %s", actualImage.Name, result))
	return nil
}

func (s *DiegoStager) dockerImage() string {
	if s.app != nil && s.app.Spec.DockerImage != "" {
		return s.app.Spec.DockerImage
	}
	return s.sourceRegistry().Image
}

func (s *DiegoStager) sourceRegistry() cfappsv1alpha1.Registry {
	if s.pkg != nil {
		return s.pkg.Spec.Source.Registry
	}
	if s.app == nil || s.app.Spec.PackageHash == "" {
		return cfappsv1alpha1.Registry{}
	}
	return cfappsv1alpha1.Registry{
		Image: strings.TrimSuffix(s.kpack.PackageRegistryBase, "/") + "/" + s.app.Spec.PackageHash,
	}
}

func (s *DiegoStager) namespace() string {
	if s.pkg != nil {
		return s.pkg.Namespace
	}
	if s.app != nil {
		return s.app.Namespace
	}
	return ""
}

// The Mutate function is for only updating the fields we care about for the update CR case
func kpackImageMutateFunction(actualImage, desiredImage *buildv1alpha1.Image) controllerutil.MutateFn {
	return func() error {
		actualImage.ObjectMeta.Labels = desiredImage.ObjectMeta.Labels
		actualImage.Spec.Tag = desiredImage.Spec.Tag
		actualImage.Spec.Builder = desiredImage.Spec.Builder
		actualImage.Spec.ServiceAccount = desiredImage.Spec.ServiceAccount
		actualImage.Spec.Source = desiredImage.Spec.Source
		return nil
	}
}
