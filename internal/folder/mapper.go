// Package folder translates source folder paths into the target
// account's namespace and provisions the target hierarchy.
package folder

import "strings"

// Provisioner is the target-side surface needed to ensure a folder
// path exists. Satisfied by imaputil.Mailbox.
type Provisioner interface {
	FolderExists(path string) (bool, error)
	CreateFolder(path string) error
}

// Mapper translates one source folder path at a time. It is pure:
// the same input always yields the same target path. Ignored folders
// are filtered by the caller before mapping; the mapper has no
// concept of them.
type Mapper struct {
	// SourceSep and TargetSep are the hierarchy delimiters of the
	// two accounts, discovered from LIST.
	SourceSep string
	TargetSep string

	// Root, when set, prefixes every mapped path, namespacing the
	// migrated tree under one target folder.
	Root string

	// Special maps an exact source path to a target path,
	// overriding separator translation. Used for provider special
	// folders (Drafts, Sent, Trash, ...). Values are in the
	// target's own separator convention.
	Special map[string]string
}

// Map resolves the target path for a source folder.
func (m *Mapper) Map(src string) string {
	path, ok := m.Special[src]
	if !ok {
		path = src
		if m.SourceSep != "" && m.TargetSep != "" && m.SourceSep != m.TargetSep {
			path = strings.ReplaceAll(src, m.SourceSep, m.TargetSep)
		}
	}
	if m.Root != "" {
		path = m.Root + m.TargetSep + path
	}
	return path
}

// Provision creates the folder and any missing ancestors on the
// target, root to leaf. Safe to call repeatedly for the same path:
// existing folders are left alone.
func (m *Mapper) Provision(t Provisioner, path string) error {
	segments := strings.Split(path, m.TargetSep)
	for i := range segments {
		ancestor := strings.Join(segments[:i+1], m.TargetSep)
		ok, err := t.FolderExists(ancestor)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := t.CreateFolder(ancestor); err != nil {
			return err
		}
	}
	return nil
}
