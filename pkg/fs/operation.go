package fs

import (
	"math"
	"strings"
)

// OpKind enumerates the operations a handler can be asked to perform.
type OpKind int

const (
	OpCopy OpKind = iota
	OpMove
	OpRead
	OpWrite
	OpDelete
	OpResolve
	OpList
	OpInfo
	OpCreate
	OpFile
)

var opNames = [...]string{"copy", "move", "read", "write", "delete", "resolve", "list", "info", "create", "file"}

func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opNames) {
		return "unknown"
	}
	return opNames[k]
}

// Binary reports whether the kind takes a source and a target scheme.
func (k OpKind) Binary() bool { return k == OpCopy || k == OpMove }

// Priority sentinels. Exact-scheme handlers use TopPriority, catch-all
// handlers BottomPriority.
const (
	TopPriority     = math.MaxInt32
	DefaultPriority = 0
	BottomPriority  = math.MinInt32
)

// Operation is the dispatch key: an operation kind plus one or two schemes.
// It is comparable and used directly as a cache key.
type Operation struct {
	Kind   OpKind
	Scheme string
	Target string
}

// NewOperation builds an Operation. Binary kinds take two schemes.
func NewOperation(kind OpKind, schemes ...string) Operation {
	op := Operation{Kind: kind}
	if len(schemes) > 0 {
		op.Scheme = strings.ToLower(schemes[0])
	}
	if len(schemes) > 1 {
		op.Target = strings.ToLower(schemes[1])
	}
	return op
}

func CopyOp(source, target string) Operation { return NewOperation(OpCopy, source, target) }
func MoveOp(source, target string) Operation { return NewOperation(OpMove, source, target) }
func ReadOp(scheme string) Operation         { return NewOperation(OpRead, scheme) }
func WriteOp(scheme string) Operation        { return NewOperation(OpWrite, scheme) }
func DeleteOp(scheme string) Operation       { return NewOperation(OpDelete, scheme) }
func ResolveOp(scheme string) Operation      { return NewOperation(OpResolve, scheme) }
func ListOp(scheme string) Operation         { return NewOperation(OpList, scheme) }
func InfoOp(scheme string) Operation         { return NewOperation(OpInfo, scheme) }
func CreateOp(scheme string) Operation       { return NewOperation(OpCreate, scheme) }
func FileOp(scheme string) Operation         { return NewOperation(OpFile, scheme) }

// Schemes returns the schemes involved, source first.
func (o Operation) Schemes() []string {
	if o.Kind.Binary() {
		return []string{o.Scheme, o.Target}
	}
	return []string{o.Scheme}
}

// SameScheme reports whether every scheme of o equals scheme.
func (o Operation) SameScheme(scheme string) bool {
	if o.Scheme != scheme {
		return false
	}
	return !o.Kind.Binary() || o.Target == scheme
}

func (o Operation) String() string {
	if o.Kind.Binary() {
		return o.Kind.String() + "(" + o.Scheme + "->" + o.Target + ")"
	}
	return o.Kind.String() + "(" + o.Scheme + ")"
}
