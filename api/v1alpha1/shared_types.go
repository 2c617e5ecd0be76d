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

package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
)

const (
	AppGUIDLabel     = "apps.cloudfoundry.org/appGuid"
	BuildGUIDLabel   = "apps.cloudfoundry.org/buildGuid"
	DropletGUIDLabel = "apps.cloudfoundry.org/dropletGuid"
	PackageGUIDLabel = "apps.cloudfoundry.org/packageGuid"
)

// Condition types shared by Build and Droplet
const (
	StagingConditionType   = "Staging"
	SucceededConditionType = "Succeeded"
	ReadyConditionType     = "Ready"
)

// ApplicationReference defines App resource that owns to this Process
type ApplicationReference struct {
	Kind       string `json:"kind"`
	APIVersion string `json:"apiVersion"`
	Name       string `json:"name"`
}

// PackageReference defines Package resource that is associated to this Build
// a package gets a new build each time it is staged
type PackageReference struct {
	Kind       string `json:"kind"`
	APIVersion string `json:"apiVersion"`
	Name       string `json:"name"`
}

// BuildReference defines cf Build resource that is associated to this Droplet
type BuildReference struct {
	Kind       string `json:"kind"`
	APIVersion string `json:"apiVersion"`
	Name       string `json:"name"`
}

// DropletReference defines Droplet resource that is associated to a Build or App
type DropletReference struct {
	Kind       string `json:"kind"`
	APIVersion string `json:"apiVersion"`
	Name       string `json:"name"`
}

// Checksum defines checksum for packaged images for now
type Checksum struct {
	Type  CheckSumType `json:"type"`
	Value string       `json:"value"`
}

// CheckSumType restrict allowed checksum types to enum
// +kubebuilder:validation:Enum=sha256;sha1
type CheckSumType string

const (
	SHA256ChecksumType CheckSumType = "sha256"
	SHA1ChecksumType   CheckSumType = "sha1"
)

// Registry is a container image and the secrets needed to pull it
type Registry struct {
	Image            string                        `json:"image"`
	ImagePullSecrets []corev1.LocalObjectReference `json:"imagePullSecrets,omitempty"`
}

// Shared by App Lifecycle and Build
// Build can override lifecycle level definition
type LifecycleData struct {
	// List of buildpacks used to build the app
	Buildpacks []string `json:"buildpacks,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// LifecycleType inform the platform of how to build droplets and run apps
// +kubebuilder:validation:Enum=buildpack;docker
type LifecycleType string

const (
	BuildpackLifecycle LifecycleType = "buildpack"
	DockerLifecycle    LifecycleType = "docker"
)

// DesiredState used to ensure that illegal states are not provided as a string to the CRD
// +kubebuilder:validation:Enum=STARTED;STOPPED
type DesiredState string

const (
	StartedState DesiredState = "STARTED"

	StoppedState DesiredState = "STOPPED"
)
