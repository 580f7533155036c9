package domain

// Inbound worker messages. Timestamps are epoch milliseconds; zero means absent.

// RunningReport is sent by a worker when execution starts.
type RunningReport struct {
	InstanceRef
	Status      int    `json:"status"`
	StartTime   int64  `json:"startTime"`
	ExecutePath string `json:"executePath"`
	LogPath     string `json:"logPath"`
	AppIDs      string `json:"appIds"`
}

// ResultReport is sent by a worker when execution finishes.
type ResultReport struct {
	InstanceRef
	Status      int    `json:"status"`
	StartTime   int64  `json:"startTime"`
	EndTime     int64  `json:"endTime"`
	ProcessID   int    `json:"processId"`
	ExecutePath string `json:"executePath"`
	LogPath     string `json:"logPath"`
	AppIDs      string `json:"appIds"`
	VarPool     string `json:"varPool"`
}

// RejectNotice is sent by a worker that refuses an assignment.
type RejectNotice struct {
	InstanceRef
}

// UpdatePidNotice is sent by a worker as soon as the task process exists.
type UpdatePidNotice struct {
	InstanceRef
	ProcessID int    `json:"processId"`
	StartTime int64  `json:"startTime"`
	LogPath   string `json:"logPath"`
}
