package models

// JobResult is the outcome reported for every job. A success carries
// exactly one of OutputPath (local mode) or OutputURL (remote mode); a
// failure carries only Error.
type JobResult struct {
	Success    bool   `json:"success"`
	OutputPath string `json:"outputPath,omitempty"`
	OutputURL  string `json:"outputUrl,omitempty"`
	Error      string `json:"error,omitempty"`

	// Cause is the underlying error of a failure, used for retry decisions.
	Cause error `json:"-"`
}

func LocalSuccess(path string) JobResult {
	return JobResult{Success: true, OutputPath: path}
}

func RemoteSuccess(url string) JobResult {
	return JobResult{Success: true, OutputURL: url}
}

func Failure(err error) JobResult {
	return JobResult{Success: false, Error: err.Error(), Cause: err}
}

func (r JobResult) Status() string {
	if r.Success {
		return "completed"
	}
	return "failed"
}
