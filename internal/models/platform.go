package models

import (
	"fmt"
	"unicode/utf8"
)

// Platform describes a social network the publisher knows how to target.
type Platform struct {
	ID                     string `json:"id"`
	DisplayName            string `json:"display_name"`
	MaxChars               int    `json:"max_chars"`
	SupportsImage          bool   `json:"supports_image"`
	SupportsVideo          bool   `json:"supports_video"`
	SupportsMultipleImages bool   `json:"supports_multiple_images"`
	RequiresMedia          bool   `json:"requires_media"`
}

var Catalog = []Platform{
	{ID: "twitter", DisplayName: "Twitter", MaxChars: 280, SupportsImage: true, SupportsVideo: true, SupportsMultipleImages: true},
	{ID: "facebook", DisplayName: "Facebook", MaxChars: 63206, SupportsImage: true, SupportsVideo: true, SupportsMultipleImages: true},
	{ID: "instagram", DisplayName: "Instagram", MaxChars: 2200, SupportsImage: true, SupportsVideo: true, SupportsMultipleImages: true, RequiresMedia: true},
	{ID: "linkedin", DisplayName: "LinkedIn", MaxChars: 3000, SupportsImage: true, SupportsVideo: true},
	{ID: "youtube", DisplayName: "YouTube", MaxChars: 5000, SupportsVideo: true, RequiresMedia: true},
}

func LookupPlatform(id string) (Platform, bool) {
	for _, p := range Catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Platform{}, false
}

// Accepts reports why the platform cannot take the given content, if it can't.
func (p Platform) Accepts(caption string, media []MediaRef) error {
	if n := utf8.RuneCountInString(caption); n > p.MaxChars {
		return fmt.Errorf("%w: caption has %d characters, %s allows %d", ErrInvalidRequest, n, p.DisplayName, p.MaxChars)
	}
	if p.RequiresMedia && len(media) == 0 {
		return fmt.Errorf("%w: %s requires media", ErrInvalidRequest, p.DisplayName)
	}

	images := 0
	for _, m := range media {
		switch m.Kind {
		case MediaImage:
			if !p.SupportsImage {
				return fmt.Errorf("%w: %s does not accept images", ErrInvalidRequest, p.DisplayName)
			}
			images++
		case MediaVideo:
			if !p.SupportsVideo {
				return fmt.Errorf("%w: %s does not accept videos", ErrInvalidRequest, p.DisplayName)
			}
		}
	}
	if images > 1 && !p.SupportsMultipleImages {
		return fmt.Errorf("%w: %s accepts a single image", ErrInvalidRequest, p.DisplayName)
	}
	return nil
}
