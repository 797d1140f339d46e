package chat

import (
	"context"

	"aigate/internal/domain"
)

// ImageService generates images through the default provider
type ImageService struct {
	svc *Service
}

// Images returns the image service
func (s *Service) Images() *ImageService {
	return &ImageService{svc: s}
}

// Generate creates images from prompt
func (i *ImageService) Generate(ctx context.Context, prompt string, params domain.Parameters) (*domain.ImageResult, error) {
	p := i.svc.opts.DefaultProvider
	client, err := i.svc.providers.GetClient(p)
	if err != nil {
		return nil, err
	}
	if !client.Capabilities().Image {
		return nil, domain.NewUnsupportedError(p, "image")
	}

	var result *domain.ImageResult
	err = i.svc.Dispatcher(p).Execute(ctx, func(ctx context.Context) error {
		r, err := client.GenerateImage(ctx, prompt, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
