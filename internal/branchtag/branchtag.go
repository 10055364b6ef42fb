// Package branchtag derives lock-space names from the version-control branch
// a space is checked out on. The branch is read from the sticky tag file
// <root>/<space>/CVS/Tag, whose first byte is a type marker.
package branchtag

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/internal/loggingutil"
)

// DefaultTag is used when a space has no sticky tag.
const DefaultTag = "MAIN"

// Resolver reads branch tags through an afero filesystem rooted at Root.
type Resolver struct {
	fs     afero.Fs
	root   string
	logger pslog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for unreadable tag files and watch errors.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New returns a resolver reading from fsys below root. A nil fsys means the
// OS filesystem.
func New(fsys afero.Fs, root string, opts ...Option) *Resolver {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	r := &Resolver{fs: fsys, root: root}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = loggingutil.WithSubsystem(r.logger, "client.branchtag")
	return r
}

// TagPath returns the sticky tag file for space.
func (r *Resolver) TagPath(space string) string {
	return filepath.Join(r.root, filepath.FromSlash(space), "CVS", "Tag")
}

// Tag returns the branch for space, or DefaultTag when the tag file is
// missing or empty.
func (r *Resolver) Tag(space string) string {
	data, err := afero.ReadFile(r.fs, r.TagPath(space))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("branchtag.read.failed", "space", space, "error", err)
		}
		return DefaultTag
	}
	return Parse(data)
}

// LockSpace returns space joined with its branch. A non-empty branch
// overrides the tag file.
func (r *Resolver) LockSpace(space, branch string) string {
	if branch == "" {
		branch = r.Tag(space)
	}
	return Join(space, branch)
}

// Join forms a lock-space name. space is used verbatim; callers trim
// surrounding slashes.
func Join(space, branch string) string {
	return space + "/" + branch
}

// Parse extracts the branch from tag file contents: content stops at the
// first NUL, the leading marker byte is dropped and trailing CR/LF trimmed.
func Parse(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	if len(data) < 2 {
		return DefaultTag
	}
	tag := bytes.TrimRight(data[1:], "\r\n")
	if len(tag) == 0 {
		return DefaultTag
	}
	return string(tag)
}
