package handlers

// CFAPIV2Resource is a file the client expects the server to already hold
type CFAPIV2Resource struct {
	SHA1 string `json:"sha1"`
	Path string `json:"fn"`
	Size int64  `json:"size,omitempty"`
	Mode string `json:"mode,omitempty"`
}

type CFAPIV2JobResource struct {
	GUID   string `json:"guid"`
	Status string `json:"status"`
}

type CFAPIV2AppResource struct {
	Metadata CFAPIV2AppMetadata `json:"metadata"`
	Entity   CFAPIV2AppEntity   `json:"entity"`
}

type CFAPIV2AppMetadata struct {
	GUID string `json:"guid"`
	URL  string `json:"url"`
}

type CFAPIV2AppEntity struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	PackageState  string `json:"package_state"`
	Diego         bool   `json:"diego"`
	DockerImage   string `json:"docker_image,omitempty"`
	Buildpack     string `json:"buildpack,omitempty"`
	StagingTaskID string `json:"staging_task_id,omitempty"`
}
