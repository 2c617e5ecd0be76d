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

package dea

import (
	"net/url"
	"strings"
)

// URLGenerator builds the shim URLs a DEA downloads from and uploads to while staging
type URLGenerator struct {
	base string
}

func NewURLGenerator(externalURL string) *URLGenerator {
	return &URLGenerator{base: strings.TrimSuffix(externalURL, "/")}
}

func (g *URLGenerator) PackageDownloadURL(packageHash string) string {
	return g.join("staging", "packages", packageHash)
}

func (g *URLGenerator) DropletUploadURL(stagingGUID string) string {
	return g.join("staging", "droplets", stagingGUID, "upload")
}

func (g *URLGenerator) DropletDownloadURL(stagingGUID string) string {
	return g.join("staging", "droplets", stagingGUID, "download")
}

func (g *URLGenerator) BuildpackCacheDownloadURL(appGUID string) string {
	return g.join("staging", "buildpack_cache", appGUID, "download")
}

func (g *URLGenerator) BuildpackCacheUploadURL(appGUID string) string {
	return g.join("staging", "buildpack_cache", appGUID, "upload")
}

func (g *URLGenerator) AdminBuildpackURL(name string) string {
	return g.join("v2", "buildpacks", name, "download")
}

func (g *URLGenerator) StagingCompletionURL(stagingGUID string) string {
	return g.join("internal", "dea", "staging", stagingGUID, "completed")
}

func (g *URLGenerator) join(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	return g.base + "/" + strings.Join(escaped, "/")
}
