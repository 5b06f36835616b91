package fs

import "time"

// Overwrite selects what copy and move do with an existing target file.
type Overwrite int

const (
	// OverwriteAlways replaces the target.
	OverwriteAlways Overwrite = iota
	// OverwriteUpdate replaces the target only when the source is newer.
	OverwriteUpdate
	// OverwriteNever keeps the target and reports success.
	OverwriteNever
)

func (o Overwrite) String() string {
	switch o {
	case OverwriteUpdate:
		return "update"
	case OverwriteNever:
		return "never"
	default:
		return "always"
	}
}

// ParseOverwrite maps "always", "update" and "never" to an Overwrite.
func ParseOverwrite(s string) (Overwrite, bool) {
	switch s {
	case "", "always":
		return OverwriteAlways, true
	case "update":
		return OverwriteUpdate, true
	case "never":
		return OverwriteNever, true
	}
	return OverwriteAlways, false
}

type CopyParams struct {
	Recursive   bool
	Overwrite   Overwrite
	MakeParents bool
}

type MoveParams struct {
	Overwrite   Overwrite
	MakeParents bool
}

type DeleteParams struct {
	Recursive bool
}

// CreateParams configures create. A nil Dir means either kind is accepted
// for an existing path and a file is created for a missing one.
type CreateParams struct {
	Dir          *bool
	MakeParents  bool
	LastModified time.Time
}

// ListParams configures list. DirectoryItself returns the directory entry
// instead of its contents.
type ListParams struct {
	Recursive       bool
	DirectoryItself bool
}

type InfoParams struct{}

type ResolveParams struct{}

type ReadParams struct{}

type WriteParams struct {
	Append bool
}

type FileParams struct{}

// IsDir reports whether the params ask for a directory.
func (p CreateParams) IsDir() bool { return p.Dir != nil && *p.Dir }
