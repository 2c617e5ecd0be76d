package handlers

type CFAPIPackageRequest struct {
	Type          string                    `json:"type"`
	Relationships CFAPIPackageRelationships `json:"relationships"`
	Data          CFAPIPackageDockerData    `json:"data"`
}

type CFAPIPackageResource struct {
	GUID          string                    `json:"guid"`
	Type          string                    `json:"type"`
	State         string                    `json:"state"`
	Data          CFAPIPackageDockerData    `json:"data"`
	Relationships CFAPIPackageRelationships `json:"relationships"`
	Links         map[string]CFAPILink      `json:"links"`
	Metadata      CFAPIMetadata             `json:"metadata"`
}

type CFAPIPackageRelationships struct {
	App CFAPIPackageRelationshipsApp `json:"app"`
}

type CFAPIPackageRelationshipsApp struct {
	Data CFAPIPackageRelationshipsAppData `json:"data"`
}

type CFAPIPackageRelationshipsAppData struct {
	GUID string `json:"guid"`
}

type CFAPIPackageDockerData struct {
	Image    string `json:"image,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// CFAPIV3Resource is a file the client says the blobstore already holds
type CFAPIV3Resource struct {
	Checksum    CFAPIV3ResourceChecksum `json:"checksum"`
	Path        string                  `json:"path"`
	SizeInBytes int64                   `json:"size_in_bytes"`
	Mode        string                  `json:"mode"`
}

type CFAPIV3ResourceChecksum struct {
	Value string `json:"value"`
}
