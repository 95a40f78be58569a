// Package orchestrator runs every public operation through the same
// admission sequence: check quotas, call the registry, record usage.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/internal/event"
	"go_setlist/setlist/internal/models"
	"go_setlist/setlist/internal/quota"

	"go.uber.org/zap"
)

// MaxHistoryPeriods bounds UsageHistory requests.
const MaxHistoryPeriods = 366

// CreateEventRequest holds the input of CreateEvent.
type CreateEventRequest struct {
	Name        string
	DeviceID    string
	DisplayMode models.DisplayMode
	EventURL    string
}

// CreateEventResult is returned by CreateEvent.
type CreateEventResult struct {
	EventID   string                 `json:"eventId"`
	ExpiresAt time.Time              `json:"expiresAt"`
	LiveURL   string                 `json:"liveURL,omitempty"`
	Event     *models.Event          `json:"event"`
	Usage     []models.QuotaDecision `json:"usage"`
}

// AddSongRequest holds the input of AddSong.
type AddSongRequest struct {
	EventID  string
	DeviceID string
	Title    string
	Artist   string
	DJName   string
}

// AddSongResult is returned by AddSong.
type AddSongResult struct {
	Song       models.Song            `json:"song"`
	TotalSongs int                    `json:"totalSongs"`
	EventName  string                 `json:"eventName"`
	Usage      []models.QuotaDecision `json:"usage"`
}

// GetEventResult is returned by GetEvent.
type GetEventResult struct {
	Event      *models.Event          `json:"event"`
	Songs      []models.Song          `json:"songs"`
	TotalSongs int                    `json:"totalSongs"`
	Usage      []models.QuotaDecision `json:"usage"`
}

// Orchestrator composes the admission controller and the event registry.
type Orchestrator struct {
	quota     *quota.Controller
	registry  *event.Registry
	publicURL string
	logger    *zap.Logger
}

// New creates an orchestrator. publicURL, when set, is used to build the
// live view link returned by CreateEvent.
func New(q *quota.Controller, r *event.Registry, publicURL string, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		quota:     q,
		registry:  r,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
}

// admit runs the fixed sequence around call. opKind, when set, is checked
// before call; recordKind, when set, is recorded after a successful call.
// The returned decisions are those made before call, and a failed call's
// error carries them too.
func (o *Orchestrator) admit(ctx context.Context, opKind, recordKind models.CounterKind, call func(context.Context) error) ([]models.QuotaDecision, error) {
	// usage is recorded even if the caller goes away mid-request
	recordCtx := context.WithoutCancel(ctx)

	api := o.quota.Check(ctx, models.KindAPICalls)
	decisions := []models.QuotaDecision{api}
	o.warnIfNear(api)
	if !api.Allowed {
		o.quota.Record(recordCtx, models.KindAPICalls, 1)
		return decisions, apperr.CapacityExceeded(api)
	}

	if opKind != "" {
		op := o.quota.Check(ctx, opKind)
		decisions = append(decisions, op)
		o.warnIfNear(op)
		if !op.Allowed {
			o.quota.Record(recordCtx, models.KindAPICalls, 1)
			return decisions, apperr.CapacityExceeded(op)
		}
	}

	err := call(ctx)

	o.quota.Record(recordCtx, models.KindAPICalls, 1)
	if err != nil {
		return decisions, apperr.WithDecisions(err, decisions)
	}
	if recordKind != "" {
		o.quota.Record(recordCtx, recordKind, 1)
	}

	return decisions, nil
}

func (o *Orchestrator) warnIfNear(d models.QuotaDecision) {
	if d.WarningTriggered {
		o.logger.Warn("usage approaching limit",
			zap.String("kind", string(d.Kind)),
			zap.Int64("usage", d.CurrentUsage),
			zap.Int64("limit", d.Limit),
			zap.Bool("allowed", d.Allowed),
		)
	}
}

// CreateEvent admits and creates a new event.
func (o *Orchestrator) CreateEvent(ctx context.Context, req CreateEventRequest) (*CreateEventResult, error) {
	var ev *models.Event
	usage, err := o.admit(ctx, models.KindEventsCreated, models.KindEventsCreated, func(ctx context.Context) error {
		var err error
		ev, err = o.registry.CreateEvent(ctx, event.CreateEventInput{
			Name:          req.Name,
			OwnerDeviceID: req.DeviceID,
			DisplayMode:   req.DisplayMode,
			EventURL:      req.EventURL,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &CreateEventResult{
		EventID:   ev.ID,
		ExpiresAt: ev.ExpiresAt,
		LiveURL:   o.LiveURL(ev.ID),
		Event:     ev,
		Usage:     usage,
	}, nil
}

// AddSong admits and appends a song to an event.
func (o *Orchestrator) AddSong(ctx context.Context, req AddSongRequest) (*AddSongResult, error) {
	var res *event.AddSongResult
	usage, err := o.admit(ctx, models.KindSongsAdded, models.KindSongsAdded, func(ctx context.Context) error {
		var err error
		res, err = o.registry.AddSong(ctx, event.AddSongInput{
			EventID:           req.EventID,
			RequesterDeviceID: req.DeviceID,
			Title:             req.Title,
			Artist:            req.Artist,
			DJName:            req.DJName,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &AddSongResult{
		Song:       res.Song,
		TotalSongs: res.TotalSongs,
		EventName:  res.EventName,
		Usage:      usage,
	}, nil
}

// GetEvent admits a read of an event and its songs, newest first.
func (o *Orchestrator) GetEvent(ctx context.Context, eventID string) (*GetEventResult, error) {
	var (
		ev    *models.Event
		songs []models.Song
	)
	usage, err := o.admit(ctx, "", models.KindDataRetrieved, func(ctx context.Context) error {
		var err error
		ev, songs, err = o.registry.EventWithSongs(ctx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &GetEventResult{
		Event:      ev,
		Songs:      songs,
		TotalSongs: len(songs),
		Usage:      usage,
	}, nil
}

// CheckUsage reports the current decision for a kind without recording
// anything.
func (o *Orchestrator) CheckUsage(ctx context.Context, kind string) (models.QuotaDecision, error) {
	return o.quota.CheckKnown(ctx, models.CounterKind(kind))
}

// UsageSummary reports the current decision for every configured kind.
func (o *Orchestrator) UsageSummary(ctx context.Context) []models.QuotaDecision {
	return o.quota.CheckAll(ctx)
}

// UsageHistory reports the totals of kind for the last periods periods,
// most recent first.
func (o *Orchestrator) UsageHistory(ctx context.Context, kind string, periods int) ([]models.UsageRecord, error) {
	if periods > MaxHistoryPeriods {
		return nil, apperr.Validation("too many periods requested")
	}
	return o.quota.History(ctx, models.CounterKind(kind), periods)
}

// SweepExpired marks every expired event inactive and returns how many this
// call changed.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	n, err := o.registry.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("expired events swept", zap.Int("count", n))
	}
	return n, nil
}

// LiveURL returns the public live view link of an event, or "" when no
// public URL is configured.
func (o *Orchestrator) LiveURL(eventID string) string {
	if o.publicURL == "" {
		return ""
	}
	return o.publicURL + "/live.html?event=" + eventID
}
