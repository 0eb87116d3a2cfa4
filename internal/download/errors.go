package download

import (
	"errors"
	"fmt"

	"github.com/sheerbytes/chunkget/internal/fetch"
)

var (
	// ErrLocked indicates a setter or second run on a task that is executing.
	ErrLocked = errors.New("download task is running")
	// ErrMissingHash indicates no target hash was set.
	ErrMissingHash = errors.New("missing hash")
	// ErrMissingSaveTo indicates no save location was set.
	ErrMissingSaveTo = errors.New("missing save location")
	// ErrNoServers indicates nothing could be tried.
	ErrNoServers = errors.New("no usable servers")
	// ErrSaveToUnusable indicates the save location cannot be written.
	ErrSaveToUnusable = errors.New("save location not writable")
	// ErrBadThreads indicates a thread count below MinThreads.
	ErrBadThreads = errors.New("thread count too low")
	// ErrBadRegex indicates a filter that does not compile.
	ErrBadRegex = errors.New("invalid regex")
	// ErrNotProject indicates DownloadDirectory on a plain file.
	ErrNotProject = errors.New("hash does not name a directory")
	// ErrValidation indicates decoded bytes that do not hash to the file hash.
	ErrValidation = errors.New("downloaded file failed validation")
	// ErrStopped indicates the run was halted before the file completed.
	ErrStopped = fetch.ErrStopped
)

// ParamError is returned synchronously for a precondition that fails before
// any network activity.
type ParamError struct {
	Param string
	Err   error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Param, e.Err)
}

func (e *ParamError) Unwrap() error {
	return e.Err
}
