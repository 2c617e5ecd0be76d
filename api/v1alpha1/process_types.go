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

// ProcessSpec defines the desired state of Process
type ProcessSpec struct {
	// Specifies App that owns Process
	AppRef ApplicationReference `json:"appRef"`

	// Specifies the Droplet the process runs
	DropletRef DropletReference `json:"dropletRef"`

	// Specifies the name of the process in the App
	ProcessType string `json:"processType"`

	// Specifies the Command(k8s) ENTRYPOINT(Docker) of the Process
	Command string `json:"command,omitempty"`

	State DesiredState `json:"state"`

	// Specifies the Liveness Probe (k8s) details of the Process
	HealthCheck HealthCheck `json:"healthCheck"`

	Instances   int     `json:"instances"`
	MemoryMB    int64   `json:"memoryMB"`
	DiskQuotaMB int64   `json:"diskQuotaMB"`
	Ports       []int32 `json:"ports,omitempty"`
}

type HealthCheck struct {
	Type HealthCheckType `json:"type"`
}

// HealthCheckType used to ensure illegal HealthCheckTypes are not passed
// +kubebuilder:validation:Enum=http;port;process
type HealthCheckType string

const (
	HTTPHealthCheckType    HealthCheckType = "http"
	PortHealthCheckType    HealthCheckType = "port"
	ProcessHealthCheckType HealthCheckType = "process"
)

// ProcessStatus defines the observed state of Process
type ProcessStatus struct {
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status

// Process is the Schema for the processes API
type Process struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ProcessSpec   `json:"spec,omitempty"`
	Status ProcessStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// ProcessList contains a list of Process
type ProcessList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Process `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Process{}, &ProcessList{})
}
