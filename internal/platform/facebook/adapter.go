// Package facebook is a placeholder registration for Facebook Pages.
// Content validation works so drafts can be pre-checked, but every
// network-touching operation reports NOT_IMPLEMENTED until the Pages API
// integration lands.
package facebook

import (
	"context"

	"postdeck/internal/models"
	"postdeck/internal/platform"
)

type Adapter struct {
	account models.SocialAccount
}

func NewAdapter(account models.SocialAccount, _ models.PlatformCredentials) *Adapter {
	return &Adapter{account: account}
}

func (a *Adapter) Platform() models.Platform { return models.PlatformFacebook }

func (a *Adapter) SetCredentials(models.PlatformCredentials) {}

func notImplemented(op string) *platform.Error {
	return platform.NewError(platform.ErrNotImplemented,
		"facebook: "+op+" is not implemented yet", false)
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	return false, notImplemented("credential validation")
}

func (a *Adapter) RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error) {
	return models.PlatformCredentials{}, notImplemented("token refresh")
}

func (a *Adapter) UploadMedia(ctx context.Context, urls []string, mediaType models.MediaType) ([]platform.MediaHandle, error) {
	return nil, notImplemented("media upload")
}

func (a *Adapter) PublishPost(ctx context.Context, post *models.Post, opts models.PostOptions) (platform.PublishResult, error) {
	return platform.PublishResult{Error: notImplemented("publishing")}, nil
}

func (a *Adapter) DeletePost(ctx context.Context, platformPostID string) (bool, error) {
	return false, notImplemented("deletion")
}

func (a *Adapter) FetchAnalytics(ctx context.Context, platformPostID string) (models.PostingAnalytics, error) {
	return models.PostingAnalytics{}, notImplemented("analytics")
}

func (a *Adapter) AccountInfo(ctx context.Context) (platform.AccountInfo, error) {
	return platform.AccountInfo{}, notImplemented("account info")
}

func (a *Adapter) ValidateContent(post *models.Post) error {
	return platform.CheckLimits(models.PlatformFacebook, post, a.ContentLimits())
}

func (a *Adapter) ContentLimits() platform.ContentLimits {
	return platform.ContentLimits{
		MaxTextLength:     63206,
		MaxMediaCount:     10,
		AllowedMediaTypes: []models.MediaType{models.MediaImage, models.MediaVideo},
		SupportsDeletion:  false,
	}
}

func (a *Adapter) RateLimitStatus(endpoint string) platform.RateLimitStatus {
	return platform.RateLimitStatus{Endpoint: endpoint, Source: "unknown"}
}
