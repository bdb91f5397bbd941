package common

//go:generate go run github.com/dmarkham/enumer -json -type State -trimprefix State -transform snake-upper

// State of a scene during its ingestion
type State int

const (
	StateStart State = iota
	StateDownloading
	StateUploaded
	StateFoundExisting
	StateMetadataExtracted
	StateThumbnailReady
	StateRegistered
	StateDone
	StateFailed
)

// Terminal returns true for Done and Failed
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
