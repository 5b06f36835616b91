package xerrors

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"testing"

	pkgfs "github.com/jacktea/urifs/pkg/fs"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindSameLocation, "copy", "/a", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindSameLocation},
		{name: "wrapped twice", err: fmt.Errorf("outer: %w", wrapped), kind: KindSameLocation},
		{name: "fs not found", err: pkgfs.ErrNotFound, kind: KindNotFound},
		{name: "fs not empty", err: pkgfs.ErrNotEmpty, kind: KindNotEmpty},
		{name: "fs not directory", err: pkgfs.ErrNotDirectory, kind: KindNotADirectory},
		{name: "fs not supported", err: pkgfs.ErrNotSupported, kind: KindUnsupported},
		{name: "errors unsupported", err: errors.ErrUnsupported, kind: KindUnsupported},
		{name: "canceled", err: context.Canceled, kind: KindInterrupted},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindInterrupted},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "unknown error defaults backend", err: errors.New("other"), kind: KindBackend},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindNotEmpty, "move", "mem:///t/dir2", errors.New("2 entries"))
	if got, want := err.Error(), "move: directory not empty mem:///t/dir2: 2 entries"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if Wrap(KindBackend, "op", "", nil) != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("batch: %w", E(KindNotADirectory, "copy", "/x"))
	if !errors.Is(err, E(KindNotADirectory, "", "")) {
		t.Fatal("errors.Is should match on kind")
	}
	if errors.Is(err, E(KindNotFound, "", "")) {
		t.Fatal("errors.Is should not match a different kind")
	}
	if !Is(err, KindNotADirectory) {
		t.Fatal("Is() = false")
	}
}

func TestInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := Interrupted(ctx, "op", "/p"); err != nil {
		t.Fatalf("Interrupted() on live ctx = %v", err)
	}
	cancel()
	if err := Interrupted(ctx, "op", "/p"); KindOf(err) != KindInterrupted {
		t.Fatalf("KindOf(Interrupted()) = %v", KindOf(err))
	}
}

func TestBackendKeepsKind(t *testing.T) {
	inner := E(KindNotFound, "info", "/a")
	if got := Backend("list", "/a", inner); got != inner {
		t.Fatalf("Backend() rewrapped a classified error: %v", got)
	}
	if got := KindOf(Backend("list", "/a", os.ErrNotExist)); got != KindNotFound {
		t.Fatalf("KindOf(Backend(ErrNotExist)) = %v", got)
	}
}
