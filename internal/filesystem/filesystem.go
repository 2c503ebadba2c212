// Package filesystem serves browse and read requests confined to a
// session's working directory.
package filesystem

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"qchat-relay/internal/protocol"
)

// DefaultMaxReadBytes caps the size of a file returned by Read.
const DefaultMaxReadBytes = 10 * 1024 * 1024

// isoMillis matches the timestamp shape browser clients expect.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Service answers filesystem requests.
type Service struct {
	MaxReadBytes int64
}

// New creates a Service with the given read cap; zero uses the default.
func New(maxReadBytes int64) *Service {
	if maxReadBytes <= 0 {
		maxReadBytes = DefaultMaxReadBytes
	}
	return &Service{MaxReadBytes: maxReadBytes}
}

// Handle runs a browse or read control against root. Failures come back
// as an error result rather than an error value.
func (s *Service) Handle(root string, ctl protocol.Control) protocol.FilesystemResult {
	var (
		res *protocol.FilesystemResult
		err error
	)
	switch ctl.Op {
	case protocol.OpBrowse:
		res, err = s.Browse(root, ctl.Path)
	case protocol.OpRead:
		res, err = s.Read(root, ctl.Path)
	default:
		err = protocol.Errorf(protocol.ErrParseFailure, "Unknown filesystem command: %s", ctl.Op)
	}
	if err != nil {
		return ErrorResult(err)
	}
	return *res
}

// ErrorResult converts err into the error variant of a filesystem result.
func ErrorResult(err error) protocol.FilesystemResult {
	return protocol.FilesystemResult{
		Type:    protocol.FSError,
		Message: err.Error(),
		Code:    protocol.CodeOf(err),
	}
}

// Browse lists the non-hidden entries of a directory, directories first.
func (s *Service) Browse(root, path string) (*protocol.FilesystemResult, error) {
	target, real, err := resolve(root, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(real)
	if err != nil {
		return nil, statError(err, path)
	}
	if !info.IsDir() {
		return nil, protocol.Errorf(protocol.ErrNotFound, "Path is not a directory")
	}

	entries, err := os.ReadDir(real)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	files := make([]protocol.FileEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if isHidden(name) {
			continue
		}
		st, err := os.Stat(filepath.Join(real, name))
		if err != nil {
			continue
		}
		typ := protocol.EntryFile
		if st.IsDir() {
			typ = protocol.EntryDirectory
		}
		files = append(files, protocol.FileEntry{
			Name:     name,
			Path:     filepath.Join(target, name),
			Type:     typ,
			Size:     st.Size(),
			Modified: formatTime(st.ModTime()),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Type != files[j].Type {
			return files[i].Type == protocol.EntryDirectory
		}
		li, lj := strings.ToLower(files[i].Name), strings.ToLower(files[j].Name)
		if li != lj {
			return li < lj
		}
		return files[i].Name < files[j].Name
	})

	return &protocol.FilesystemResult{
		Type:       protocol.FSBrowse,
		Path:       target,
		WorkingDir: root,
		Files:      files,
	}, nil
}

// Read returns the full text of a file no larger than MaxReadBytes.
func (s *Service) Read(root, path string) (*protocol.FilesystemResult, error) {
	target, real, err := resolve(root, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(real)
	if err != nil {
		return nil, statError(err, path)
	}
	if !info.Mode().IsRegular() {
		return nil, protocol.Errorf(protocol.ErrNotFound, "Path is not a file")
	}
	if info.Size() > s.MaxReadBytes {
		return nil, protocol.Errorf(protocol.ErrOversizeFile, "File too large (max %s)", humanSize(s.MaxReadBytes))
	}

	f, err := os.Open(real)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > s.MaxReadBytes {
		return nil, protocol.Errorf(protocol.ErrOversizeFile, "File too large (max %s)", humanSize(s.MaxReadBytes))
	}

	return &protocol.FilesystemResult{
		Type:     protocol.FSFile,
		Path:     target,
		Content:  strings.ToValidUTF8(string(data), "�"),
		Size:     int64(len(data)),
		Modified: formatTime(info.ModTime()),
	}, nil
}

// resolve maps a requested path onto root. target is the cleaned path as
// the client should see it; real has every symlink resolved. Both must lie
// inside root.
func resolve(root, path string) (target, real string, err error) {
	root, err = filepath.Abs(root)
	if err != nil {
		return "", "", fmt.Errorf("resolve working directory: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", fmt.Errorf("resolve working directory: %w", err)
	}

	switch {
	case path == "":
		target = root
	case filepath.IsAbs(path):
		target = filepath.Clean(path)
	default:
		target = filepath.Join(root, path)
	}

	if !within(root, target) && !within(realRoot, target) {
		return "", "", accessDenied()
	}

	real, err = filepath.EvalSymlinks(target)
	if err != nil {
		return "", "", statError(err, path)
	}
	if !within(realRoot, real) {
		return "", "", accessDenied()
	}
	return target, real, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func accessDenied() error {
	return protocol.Errorf(protocol.ErrPathAccessDenied, "Access denied: Path outside session working directory")
}

func statError(err error, path string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return protocol.Wrap(protocol.ErrNotFound, err, fmt.Sprintf("No such file or directory: %s", path))
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func humanSize(n int64) string {
	const mb = 1024 * 1024
	if n >= mb && n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
