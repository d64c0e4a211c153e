package session

// Request payload shapes for the identity and resume endpoints. The API
// expects the full moduleList nesting even for a single request.

type modulePayload struct {
	ModuleList moduleListPayload `json:"moduleList"`
}

type moduleListPayload struct {
	Modules []moduleEntryPayload `json:"modules"`
}

type moduleEntryPayload struct {
	ModuleArea    string               `json:"moduleArea,omitempty"`
	ModuleType    string               `json:"moduleType,omitempty"`
	ModuleRequest moduleRequestPayload `json:"moduleRequest"`
}

type moduleRequestPayload struct {
	ResultTemplate string               `json:"resultTemplate,omitempty"`
	DeviceInfo     *deviceInfoPayload   `json:"deviceInfo,omitempty"`
	StandardAuth   *standardAuthPayload `json:"standardAuth,omitempty"`
}

type deviceInfoPayload struct {
	OSVersion        string `json:"osVersion"`
	Platform         string `json:"platform"`
	SxmAppVersion    string `json:"sxmAppVersion"`
	Browser          string `json:"browser"`
	BrowserVersion   string `json:"browserVersion"`
	AppRegion        string `json:"appRegion"`
	DeviceModel      string `json:"deviceModel"`
	ClientDeviceID   string `json:"clientDeviceId"`
	Player           string `json:"player"`
	ClientDeviceType string `json:"clientDeviceType"`
}

type standardAuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
