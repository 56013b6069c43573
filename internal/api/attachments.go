package api

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/busybox42/mailq/internal/delivery"
)

var errAttachmentsDisabled = errors.New("attachments are not accepted over the API")

// confineAttachments resolves every attachment path inside the configured
// attachment directory and returns the attachments with resolved paths.
// Relative paths are taken relative to that directory; symlinks are
// followed before the containment check.
func (s *Server) confineAttachments(atts []delivery.Attachment) ([]delivery.Attachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	if s.config.AttachmentDir == "" {
		return nil, errAttachmentsDisabled
	}

	root, err := filepath.EvalSymlinks(s.config.AttachmentDir)
	if err != nil {
		return nil, fmt.Errorf("attachment directory unavailable: %w", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	out := make([]delivery.Attachment, 0, len(atts))
	for _, att := range atts {
		path := att.Path
		if path == "" {
			return nil, fmt.Errorf("attachment %q has no path", att.Filename)
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: not found", att.Path)
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("attachment %s: outside the attachment directory", att.Path)
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.Mode().IsRegular() {
			return nil, fmt.Errorf("attachment %s: not a regular file", att.Path)
		}

		att.Path = resolved
		if att.Filename == "" {
			att.Filename = filepath.Base(resolved)
		}
		out = append(out, att)
	}
	return out, nil
}
