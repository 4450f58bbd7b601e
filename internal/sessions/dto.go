package sessions

type deleteManyRequest struct {
	SessionIDs []string `json:"sessionIds"`
}

type listResponse struct {
	Count      int      `json:"count"`
	Sessions   []Record `json:"sessions"`
	InstanceID string   `json:"instanceId"`
}

type uploadResponse struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId"`
	Size       int64  `json:"size"`
	InstanceID string `json:"instanceId"`
}

type deleteResponse struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId"`
	InstanceID string `json:"instanceId"`
}

type deleteManyResponse struct {
	Success    bool            `json:"success"`
	Deleted    []string        `json:"deleted"`
	Failed     []DeleteFailure `json:"failed,omitempty"`
	InstanceID string          `json:"instanceId"`
}

type existsResponse struct {
	SessionID  string `json:"sessionId"`
	Exists     bool   `json:"exists"`
	InstanceID string `json:"instanceId"`
}

type metadataResponse struct {
	Record
	InstanceID string `json:"instanceId"`
}
