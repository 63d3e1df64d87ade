package collector

import "fmt"

// Stages at which a fetch can fail.
const (
	StageConnect = "connect"
	StageQuery   = "query"
	StageDecode  = "decode"
)

// SourceFetchError is returned for every failure to fetch status rows from a
// source: connection setup, authentication, transport, HTTP status or payload
// decoding. It is scoped to one source and one cycle; the scheduler reports it
// and tries again on the next tick.
type SourceFetchError struct {
	Source string
	Stage  string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Stage, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }
