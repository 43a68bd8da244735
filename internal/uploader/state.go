package uploader

// State is a position in the file lifecycle. It is carried on log lines so
// one file can be followed from discovery to deletion.
type State string

const (
	StateDiscovered      State = "discovered"
	StateQueued          State = "queued"
	StateUploading       State = "uploading"
	StateUploaded        State = "uploaded"
	StateFailedPermanent State = "failed_permanent"
	StateFailedExhausted State = "failed_exhausted"
	StateDeletionMarked  State = "deletion_marked"
	StateDeleted         State = "deleted"
)

// FieldState is the log key for State.
const FieldState = "state"
