package fetch

import "errors"

// Distinguished failures the pipeline branches on.
var (
	// ErrThrottled indicates the rolling transfer speed fell below the
	// configured floor; the caller should resolve fresh URLs and re-fetch
	// instead of resuming this one.
	ErrThrottled = errors.New("transfer throttled below speed floor")

	// ErrStartFresh indicates a resume was requested but the server replied
	// 200 instead of 206; the partial file is useless and must be deleted
	// before retrying. Does not consume a retry.
	ErrStartFresh = errors.New("server refused resume, start fresh")

	// ErrDownloadFailed wraps every other transfer failure.
	ErrDownloadFailed = errors.New("download failed")
)
