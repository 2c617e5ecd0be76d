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

package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	BitsPackageBlobstore     = "bits"
	RegistryPackageBlobstore = "registry"
)

type Settings struct {
	// RegistryTagBase is the container registry prefix to upload source & build images do
	RegistryTagBase     string `mapstructure:"registry_tag_base"`
	RegistrySecret      string `mapstructure:"registry_secret"`
	PackageRegistryBase string `mapstructure:"package_registry_tag_base"`

	Namespace string `mapstructure:"namespace"`

	// Bits service backs the package blobstore; when enabled packages are content addressed
	BitsServiceURL     string `mapstructure:"bits_service_url"`
	BitsServiceEnabled bool   `mapstructure:"bits_service_enabled"`
	PackageBlobstore   string `mapstructure:"package_blobstore"`
	DropletBlobstore   string `mapstructure:"droplet_blobstore"`

	DisableCustomBuildpacks bool   `mapstructure:"disable_custom_buildpacks"`
	FeatureFlagsConfigMap   string `mapstructure:"feature_flags_configmap"`

	NatsURL string `mapstructure:"nats_url"`
	// Externally reachable base URL of the shim, handed to DEAs for callbacks and downloads
	ShimExternalURL string `mapstructure:"shim_external_url"`
	ShimAddress     string `mapstructure:"shim_address"`

	TmpDir         string `mapstructure:"tmp_dir"`
	JobWorkers     int    `mapstructure:"job_workers"`
	JobMaxAttempts int    `mapstructure:"job_max_attempts"`

	StagingMemoryMB int64  `mapstructure:"staging_memory_mb"`
	StagingDiskMB   int64  `mapstructure:"staging_disk_mb"`
	DefaultStack    string `mapstructure:"default_stack"`

	KpackBuilder        string `mapstructure:"kpack_builder"`
	KpackServiceAccount string `mapstructure:"kpack_service_account"`
}

var requiredKeys = []string{
	"registry_tag_base",
	"registry_secret",
	"package_registry_tag_base",
}

// Load reads settings from the environment, and from the file at path when one is given.
// Environment variables are the upper-cased keys, e.g. REGISTRY_TAG_BASE.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	for _, key := range allKeys() {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings file %s: %w", path, err)
		}
	}

	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return nil, errors.New(strings.ToUpper(key) + " not configured")
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}

	if s.PackageBlobstore != BitsPackageBlobstore && s.PackageBlobstore != RegistryPackageBlobstore {
		return nil, fmt.Errorf("PACKAGE_BLOBSTORE must be %q or %q, got %q", BitsPackageBlobstore, RegistryPackageBlobstore, s.PackageBlobstore)
	}
	if s.PackageBlobstore == BitsPackageBlobstore && s.BitsServiceURL == "" {
		return nil, errors.New("BITS_SERVICE_URL not configured")
	}

	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "cf-workloads")
	v.SetDefault("bits_service_url", "")
	v.SetDefault("bits_service_enabled", false)
	v.SetDefault("package_blobstore", RegistryPackageBlobstore)
	v.SetDefault("droplet_blobstore", RegistryPackageBlobstore)
	v.SetDefault("disable_custom_buildpacks", false)
	v.SetDefault("feature_flags_configmap", "cf-feature-flags")
	v.SetDefault("nats_url", "")
	v.SetDefault("shim_external_url", "http://cf-shim.cf-system.svc.cluster.local:9000")
	v.SetDefault("shim_address", ":9000")
	v.SetDefault("tmp_dir", os.TempDir())
	v.SetDefault("job_workers", 2)
	v.SetDefault("job_max_attempts", 3)
	v.SetDefault("staging_memory_mb", 1024)
	v.SetDefault("staging_disk_mb", 4096)
	v.SetDefault("default_stack", "cflinuxfs3")
	v.SetDefault("kpack_builder", "cf-default-builder")
	v.SetDefault("kpack_service_account", "kpack-service-account")
}

func allKeys() []string {
	return append(requiredKeys,
		"namespace",
		"bits_service_url",
		"bits_service_enabled",
		"package_blobstore",
		"droplet_blobstore",
		"disable_custom_buildpacks",
		"feature_flags_configmap",
		"nats_url",
		"shim_external_url",
		"shim_address",
		"tmp_dir",
		"job_workers",
		"job_max_attempts",
		"staging_memory_mb",
		"staging_disk_mb",
		"default_stack",
		"kpack_builder",
		"kpack_service_account",
	)
}
