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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DropletSpec defines the desired state of Droplet
type DropletSpec struct {
	// Specifies the Lifecycle type buildpack or docker of the droplet
	Type LifecycleType `json:"type"`

	// Specifies the App associated with this Droplet
	AppRef ApplicationReference `json:"appRef"`

	// Specifies the Package the Droplet is staged from
	PackageRef PackageReference `json:"packageRef,omitempty"`

	// Specifies the Build associated with this Droplet, empty when staged for an App directly
	BuildRef BuildReference `json:"buildRef,omitempty"`

	// Correlates asynchronous staging completion with the request that started it
	StagingGUID string `json:"stagingGuid"`

	// Specifies the Container registry image, and secrets to access
	Registry Registry `json:"registry,omitempty"`
}

type Image struct {
	Reference      string `json:"reference"`
	PullSecretName string `json:"pullSecretName,omitempty"`
}

// DropletState used to enum the inputs to droplet.status.state
// +kubebuilder:validation:Enum=STAGING;STAGED;FAILED
type DropletState string

const (
	DropletStaging DropletState = "STAGING"
	DropletStaged  DropletState = "STAGED"
	DropletFailed  DropletState = "FAILED"
)

// DropletStatus defines the observed state of Droplet
type DropletStatus struct {
	State DropletState `json:"state,omitempty"`

	// Runnable image produced by staging
	Image Image `json:"image,omitempty"`

	// Process type to start command, as detected during staging
	ProcessTypes map[string]string `json:"processTypes,omitempty"`

	// Specifies the exposed ports for the application
	Ports []int32 `json:"ports,omitempty"`

	DetectedBuildpack string `json:"detectedBuildpack,omitempty"`
	DropletHash       string `json:"dropletHash,omitempty"`
	Error             string `json:"error,omitempty"`

	// Describes the conditions of the Droplet
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// Droplet is the Schema for the droplets API
type Droplet struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DropletSpec   `json:"spec,omitempty"`
	Status DropletStatus `json:"status,omitempty"`
}

func (d *Droplet) Terminal() bool {
	return d.Status.State == DropletStaged || d.Status.State == DropletFailed
}

//+kubebuilder:object:root=true

// DropletList contains a list of Droplet
type DropletList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Droplet `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Droplet{}, &DropletList{})
}
