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

// BuildSpec defines the desired state of Build
type BuildSpec struct {
	// Specifies the Lifecycle type used to stage the package
	Type LifecycleType `json:"type"`

	// Specifies the App the package belongs to
	AppRef ApplicationReference `json:"appRef"`

	// Specifies the Package to stage
	PackageRef PackageReference `json:"packageRef"`

	// Overrides the App lifecycle data for this build
	LifecycleData LifecycleData `json:"lifecycleData,omitempty"`

	StagingMemoryMB int64 `json:"stagingMemoryMB,omitempty"`
	StagingDiskMB   int64 `json:"stagingDiskMB,omitempty"`
}

// BuildStatus defines the observed state of Build
type BuildStatus struct {
	// Droplet being produced by this build
	DropletRef DropletReference `json:"dropletRef,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// Build is the Schema for the builds API
type Build struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   BuildSpec   `json:"spec,omitempty"`
	Status BuildStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// BuildList contains a list of Build
type BuildList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Build `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Build{}, &BuildList{})
}
