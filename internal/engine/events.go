package engine

// EventType enumerates emitted migration events.
type EventType string

const (
	EventFolderStart    EventType = "folder_start"
	EventFolderProgress EventType = "folder_progress"
	EventFolderDone     EventType = "folder_done"
	EventFolderSkip     EventType = "folder_skip"
)

// Event carries progress about a folder.
type Event struct {
	Type   EventType
	Folder string
	Total  int
	Done   int
	Err    error
}
