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

// BuildpackSpec defines a system buildpack registered with the platform
type BuildpackSpec struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
	Stack    string `json:"stack,omitempty"`
	URL      string `json:"url,omitempty"`
	Enabled  bool   `json:"enabled"`
}

//+kubebuilder:object:root=true
//+kubebuilder:resource:scope=Cluster

// Buildpack is the Schema for the buildpacks API
type Buildpack struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec BuildpackSpec `json:"spec,omitempty"`
}

//+kubebuilder:object:root=true

// BuildpackList contains a list of Buildpack
type BuildpackList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Buildpack `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Buildpack{}, &BuildpackList{})
}
