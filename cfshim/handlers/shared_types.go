package handlers

// CFAPIErrors is the error envelope shared by the v2 and v3 endpoints
type CFAPIErrors struct {
	Errors []CFAPIError `json:"errors"`
}

type CFAPIError struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
	Code   int    `json:"code"`
}

// cfError is the status, title and code a known failure is reported with
type cfError struct {
	status int
	title  string
	code   int
}

type CFAPILifecycle struct {
	Type string                  `json:"type"`
	Data CFAPIBuildLifecycleData `json:"data"`
}

type CFAPILink struct {
	Href string `json:"href"`
}

type CFAPIMetadata struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}
