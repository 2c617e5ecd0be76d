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

// StagingRequest is published to a DEA on staging.<dea id>.start
type StagingRequest struct {
	AppID                     string           `json:"app_id"`
	TaskID                    string           `json:"task_id"`
	Stack                     string           `json:"stack"`
	DownloadURI               string           `json:"download_uri"`
	UploadURI                 string           `json:"upload_uri"`
	BuildpackCacheDownloadURI string           `json:"buildpack_cache_download_uri"`
	BuildpackCacheUploadURI   string           `json:"buildpack_cache_upload_uri"`
	CompletionCallback        string           `json:"completion_callback"`
	MemoryMB                  int64            `json:"memoryMB"`
	DiskMB                    int64            `json:"diskMB"`
	Buildpack                 string           `json:"buildpack,omitempty"`
	AdminBuildpacks           []AdminBuildpack `json:"admin_buildpacks"`
	Environment               [][]string       `json:"environment"`
}

type AdminBuildpack struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// StagingResponse is what a DEA reports back once staging has finished
type StagingResponse struct {
	TaskID               string            `json:"task_id"`
	DetectedBuildpack    string            `json:"detected_buildpack,omitempty"`
	DetectedStartCommand string            `json:"detected_start_command,omitempty"`
	ProcessTypes         map[string]string `json:"process_types,omitempty"`
	DropletSHA1          string            `json:"droplet_sha1,omitempty"`
	Error                string            `json:"error,omitempty"`
}

// Advertisement is broadcast periodically by every DEA able to stage
type Advertisement struct {
	ID              string   `json:"id"`
	Stacks          []string `json:"stacks"`
	AvailableMemory int64    `json:"available_memory"`
	AvailableDisk   int64    `json:"available_disk"`
}
