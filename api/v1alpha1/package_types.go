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

// PackageSpec defines the desired state of Package
type PackageSpec struct {
	// Specifies the type of the Package
	// Valid values are:
	// "bits": source code uploaded to the blobstore
	// "docker": reference to a prebuilt image
	Type PackageType `json:"type"`

	// Specifies the App that owns this package
	AppRef ApplicationReference `json:"appRef"`

	// Specifies the location of the source image for docker packages
	Source PackageSource `json:"source,omitempty"`

	// Files the client claimed were already uploaded when the package was created
	Fingerprints []Fingerprint `json:"fingerprints,omitempty"`
}

// PackageType used to enum the inputs to package.type
// +kubebuilder:validation:Enum=bits;docker
type PackageType string

const (
	BitsPackage   PackageType = "bits"
	DockerPackage PackageType = "docker"
)

type PackageSource struct {
	Registry Registry `json:"registry,omitempty"`
}

// Fingerprint identifies a file already known to the blobstore
type Fingerprint struct {
	SHA1 string `json:"sha1"`
	Path string `json:"fn"`
}

// PackageState used to enum the inputs to package.status.state
// +kubebuilder:validation:Enum=AWAITING_UPLOAD;PROCESSING_UPLOAD;READY;FAILED
type PackageState string

const (
	PackageAwaitingUpload   PackageState = "AWAITING_UPLOAD"
	PackageProcessingUpload PackageState = "PROCESSING_UPLOAD"
	PackageReady            PackageState = "READY"
	PackageFailed           PackageState = "FAILED"
)

// PackageStatus defines the observed state of Package
type PackageStatus struct {
	State PackageState `json:"state,omitempty"`

	// Blobstore reference of the assembled package, set once assembly succeeds
	Hash string `json:"hash,omitempty"`

	Checksum Checksum `json:"checksum,omitempty"`

	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// Package is the Schema for the packages API
type Package struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PackageSpec   `json:"spec,omitempty"`
	Status PackageStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// PackageList contains a list of Package
type PackageList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Package `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Package{}, &PackageList{})
}
