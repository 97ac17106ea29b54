package platform

import (
	"fmt"
	"unicode/utf8"

	"postdeck/internal/models"
)

// CheckLimits validates a post body and media list against a platform's
// static limits, returning a precise message on the first violation.
// Adapters layer platform-specific rules (e.g. video-only) on top.
func CheckLimits(p models.Platform, post *models.Post, limits ContentLimits) error {
	if post == nil {
		return fmt.Errorf("%s: post is nil", p)
	}
	if textLen := utf8.RuneCountInString(post.Body); textLen > limits.MaxTextLength {
		return fmt.Errorf("%s: text length %d exceeds limit of %d characters",
			p, textLen, limits.MaxTextLength)
	}
	if len(post.MediaURLs) > limits.MaxMediaCount {
		return fmt.Errorf("%s: %d media attachments exceed limit of %d",
			p, len(post.MediaURLs), limits.MaxMediaCount)
	}
	if len(post.MediaURLs) > 0 && len(limits.AllowedMediaTypes) > 0 {
		allowed := false
		for _, mt := range limits.AllowedMediaTypes {
			if post.MediaType == mt {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%s: media type %q is not supported", p, post.MediaType)
		}
	}
	return nil
}
