package store

import (
	"fmt"
	"time"

	"planboard/internal/rbac"
)

// Stage is a position in the fixed content-production pipeline.
type Stage string

const (
	StageIdea      Stage = "idea"
	StageScript    Stage = "script"
	StageShooting  Stage = "shooting"
	StageEditing   Stage = "editing"
	StageScheduled Stage = "scheduled"
	StagePosted    Stage = "posted"
)

// Stages is the pipeline order used by the board view.
var Stages = []Stage{StageIdea, StageScript, StageShooting, StageEditing, StageScheduled, StagePosted}

func ParseStage(raw string) (Stage, error) {
	switch Stage(raw) {
	case StageIdea, StageScript, StageShooting, StageEditing, StageScheduled, StagePosted:
		return Stage(raw), nil
	default:
		return "", fmt.Errorf("unknown stage %q", raw)
	}
}

type Platform string

const (
	PlatformInstagram     Platform = "instagram"
	PlatformYouTube       Platform = "youtube"
	PlatformYouTubeShorts Platform = "youtube_shorts"
	PlatformTikTok        Platform = "tiktok"
	PlatformPodcast       Platform = "podcast"
	PlatformTwitter       Platform = "twitter"
	PlatformLinkedIn      Platform = "linkedin"
	PlatformOther         Platform = "other"
)

func ParsePlatform(raw string) (Platform, error) {
	switch Platform(raw) {
	case PlatformInstagram, PlatformYouTube, PlatformYouTubeShorts, PlatformTikTok,
		PlatformPodcast, PlatformTwitter, PlatformLinkedIn, PlatformOther:
		return Platform(raw), nil
	default:
		return "", fmt.Errorf("unknown platform %q", raw)
	}
}

// ContentItem is a planned piece of content. ScheduledDate is a yyyy-mm-dd
// civil date; nil means the item sits in the backlog.
type ContentItem struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Platform      Platform  `json:"platform"`
	Stage         Stage     `json:"stage"`
	CategoryID    *string   `json:"categoryId"`
	ScheduledDate *string   `json:"scheduledDate"`
	TimelineDays  int       `json:"timelineDays"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ItemPatch carries a partial update; nil fields are left untouched.
// ClearSchedule moves the item back to the backlog regardless of ScheduledDate.
type ItemPatch struct {
	Title         *string
	Description   *string
	Platform      *Platform
	Stage         *Stage
	CategoryID    *string
	ScheduledDate *string
	ClearSchedule bool
	TimelineDays  *int
}

type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile is the authorization record attached to a user.
type Profile struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        rbac.Role `json:"role"`
}

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
