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
	"net/url"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AppSpec defines the desired state of App
type AppSpec struct {
	Name string `json:"name"`

	// Specifies the current state of the app
	// Valid values are:
	// "STARTED": App is started
	// "STOPPED": App is stopped
	DesiredState DesiredState `json:"desiredState"`

	// Specifies the CF Lifecycle type:
	// https://v3-apidocs.cloudfoundry.org/version/3.101.0/index.html#sample-requests
	// Valid values are:
	// "docker": run prebuilt docker image
	// "buildpack": stage the app with buildpacks
	Type LifecycleType `json:"type,omitempty"`

	// Specifies how to build droplets and run apps
	// container for list of buildpacks and stack to build them
	// for docker this is empty
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`

	// Name of a system buildpack, a custom buildpack URL, or empty for detection
	Buildpack string `json:"buildpack,omitempty"`

	// Image to run for docker apps
	DockerImage string `json:"dockerImage,omitempty"`

	// Stage and run the app through the remote scheduler instead of the DEAs
	Diego bool `json:"diego,omitempty"`

	// Reference to the current package content in the blobstore
	PackageHash string `json:"packageHash,omitempty"`

	// Specifies the k8s secret name with the App credentials and other private info
	EnvSecretName string `json:"envSecretName,omitempty"`

	// Specifies the Droplet info for the droplet that is currently assigned (active) for the app
	CurrentDropletRef DropletReference `json:"currentDropletRef,omitempty"`

	Command     string `json:"command,omitempty"`
	Instances   int    `json:"instances,omitempty"`
	MemoryMB    int64  `json:"memoryMB,omitempty"`
	DiskQuotaMB int64  `json:"diskQuotaMB,omitempty"`
}

type Lifecycle struct {
	// Lifecycle data used to specify details for the Lifecycle
	Data LifecycleData `json:"data"`
}

// StagingState is the outcome of the most recent staging attempt
// +kubebuilder:validation:Enum=STAGING;STAGED;FAILED
type StagingState string

const (
	StagingStaging StagingState = "STAGING"
	StagingStaged  StagingState = "STAGED"
	StagingFailed  StagingState = "FAILED"
)

// AppStatus defines the observed state of App
type AppStatus struct {
	StagingState        StagingState `json:"stagingState,omitempty"`
	StagingFailedReason string       `json:"stagingFailedReason,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// App is the Schema for the apps API
// CF API Docs for App:
// https://v3-apidocs.cloudfoundry.org/version/3.101.0/index.html#the-app-object
type App struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AppSpec   `json:"spec,omitempty"`
	Status AppStatus `json:"status,omitempty"`
}

// Docker reports whether the app runs a prebuilt image
func (a *App) Docker() bool {
	return a.Spec.Type == DockerLifecycle || a.Spec.DockerImage != ""
}

// CustomBuildpack reports whether the app asks for a buildpack by URL
func (a *App) CustomBuildpack() bool {
	if strings.TrimSpace(a.Spec.Buildpack) == "" {
		return false
	}
	u, err := url.Parse(a.Spec.Buildpack)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

func (a *App) Stack() string {
	return a.Spec.Lifecycle.Data.Stack
}

func (a *App) MarkAsStaging() {
	a.Status.StagingState = StagingStaging
	a.Status.StagingFailedReason = ""
}

func (a *App) MarkAsStaged() {
	a.Status.StagingState = StagingStaged
	a.Status.StagingFailedReason = ""
}

func (a *App) MarkAsFailedToStage(reason string) {
	a.Status.StagingState = StagingFailed
	a.Status.StagingFailedReason = reason
}

func (a *App) Staging() bool {
	return a.Status.StagingState == StagingStaging
}

//+kubebuilder:object:root=true

// AppList contains a list of App
type AppList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []App `json:"items"`
}

func init() {
	SchemeBuilder.Register(&App{}, &AppList{})
}
