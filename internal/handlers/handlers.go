// Package handlers is the operator command surface. Each operation is a
// method on Service and is also registered on the command dispatcher.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eaglewings/powerwatch/internal/battery"
	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/dispatcher"
	"github.com/eaglewings/powerwatch/internal/locator"
	"github.com/eaglewings/powerwatch/internal/marker"
	"github.com/eaglewings/powerwatch/internal/monitor"
	"github.com/eaglewings/powerwatch/internal/notify"
	"github.com/eaglewings/powerwatch/internal/status"
	"github.com/eaglewings/powerwatch/internal/storage"
	"github.com/eaglewings/powerwatch/pkg/core"
)

const (
	defaultHistoryLimit = 20
	statusReadTimeout   = 5 * time.Second
	resetQueueSize      = 4
)

// ErrNoReading is returned by BatteryStatus when telemetry is down and no
// reading was ever taken.
var ErrNoReading = errors.New("no battery reading available")

// BatteryReader reads a fresh battery level.
type BatteryReader interface {
	ReadBatteryPercent(ctx context.Context) (int, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Monitor *monitor.Service
	Locator *locator.Locator
	Store   *status.Store
	Battery BatteryReader
	Hub     *notify.Hub     // optional
	History storage.Querier // optional
	Logger  *slog.Logger
}

// Service implements the operator commands.
type Service struct {
	deps Dependencies
}

// NewService creates a new handler service
func NewService(deps Dependencies) (*Service, error) {
	if deps.Monitor == nil || deps.Locator == nil || deps.Store == nil || deps.Battery == nil {
		return nil, errors.New("handlers require a monitor, a locator, a status store and a battery reader")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}, nil
}

// Ack is returned by commands that only change state.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BatteryStatus is the answer to a battery status query.
type BatteryStatus struct {
	CurrentLevel int                `json:"current_level"`
	Tier         string             `json:"tier"`
	Thresholds   battery.Thresholds `json:"thresholds"`
	IsLow        bool               `json:"is_low"`
	IsCritical   bool               `json:"is_critical"`
	// Stale is set when the level is the last known one because the fresh read failed.
	Stale bool `json:"stale,omitempty"`
}

// SearchResult is the answer to a manual charging spot search.
type SearchResult struct {
	Success        bool             `json:"success"`
	Outcome        string           `json:"outcome"`
	Message        string           `json:"message"`
	SearchID       string           `json:"search_id,omitempty"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Marker         *marker.Position `json:"marker,omitempty"`
}

// SearchRecord is one persisted search in history output.
type SearchRecord struct {
	ID             string          `json:"id"`
	Trigger        string          `json:"trigger"`
	Started        time.Time       `json:"started"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	Outcome        string          `json:"outcome"`
	Phase          string          `json:"phase"`
	Marker         *core.MarkerFix `json:"marker,omitempty"`
	Rotations      int             `json:"rotations"`
	Moves          int             `json:"moves"`
	Error          string          `json:"error,omitempty"`
}

// TierChangeRecord is one persisted tier transition in history output.
type TierChangeRecord struct {
	Time  time.Time `json:"time"`
	Level int       `json:"level"`
	From  string    `json:"from"`
	To    string    `json:"to"`
}

// NotificationStatus reports the outstanding alert and the delivery backlog.
type NotificationStatus struct {
	Active  *notify.Notification `json:"active,omitempty"`
	Pending int                  `json:"pending_deliveries"`
}

// StartMonitoring starts the battery loop. Starting twice is harmless.
func (s *Service) StartMonitoring() (Ack, error) {
	if s.deps.Monitor.IsRunning() {
		return Ack{Status: "ok", Message: "Battery monitoring already running"}, nil
	}
	if err := s.deps.Monitor.Start(); err != nil {
		return Ack{}, fmt.Errorf("starting battery monitor: %w", err)
	}
	return Ack{Status: "ok", Message: "Battery monitoring started"}, nil
}

// StopMonitoring stops the battery loop. A running search is left alone.
func (s *Service) StopMonitoring() Ack {
	if !s.deps.Monitor.IsRunning() {
		return Ack{Status: "ok", Message: "Battery monitoring not running"}
	}
	s.deps.Monitor.Stop()
	return Ack{Status: "ok", Message: "Battery monitoring stopped"}
}

// BatteryStatus reads the level now and classifies it with the current
// thresholds. When the read fails it answers with the last known level.
func (s *Service) BatteryStatus(ctx context.Context) (BatteryStatus, error) {
	settings := s.deps.Store.Settings()

	ctx, cancel := context.WithTimeout(ctx, statusReadTimeout)
	defer cancel()

	level, err := s.deps.Battery.ReadBatteryPercent(ctx)
	if err == nil && (level < 0 || level > 100) {
		err = fmt.Errorf("%w: %d%%", monitor.ErrInvalidReading, level)
	}
	stale := false
	if err != nil {
		last := s.deps.Store.Monitor()
		if !last.HasReading {
			return BatteryStatus{}, fmt.Errorf("%w: %v", ErrNoReading, err)
		}
		s.deps.Logger.Warn("Battery read failed, reporting last known level", "error", err, "level", last.LastLevel)
		level, stale = last.LastLevel, true
	}

	tier := battery.Classify(level, settings.Thresholds)
	return BatteryStatus{
		CurrentLevel: level,
		Tier:         tier.String(),
		Thresholds:   settings.Thresholds,
		IsLow:        tier.AtLeast(battery.Warning),
		IsCritical:   tier.AtLeast(battery.Critical),
		Stale:        stale,
	}, nil
}

// SimulationStatus returns the whole shared state.
func (s *Service) SimulationStatus() status.View {
	return s.deps.Store.Snapshot().View()
}

// FindChargingSpot runs a manual search on the caller's goroutine. Busy and
// failed searches are reported in the result, not as errors.
func (s *Service) FindChargingSpot(ctx context.Context) SearchResult {
	res, err := s.deps.Locator.FindAndApproach(ctx)
	out := SearchResult{
		Success:        err == nil,
		Outcome:        string(res.Outcome),
		ElapsedSeconds: res.Elapsed.Seconds(),
		Marker:         res.Marker,
	}
	if res.ID != uuid.Nil {
		out.SearchID = res.ID.String()
	}

	switch {
	case err == nil:
		out.Message = "Landed on charging spot"
	case errors.Is(err, locator.ErrAlreadySearching):
		out.Message = "A charging spot search is already running"
	default:
		out.Message = err.Error()
	}
	return out
}

// ResetChargingSpot forgets the last charging spot, typically after take-off.
func (s *Service) ResetChargingSpot() (Ack, error) {
	if err := s.deps.Store.ResetChargingSpot(); err != nil {
		return Ack{}, err
	}
	return Ack{Status: "ok", Message: "Charging spot status reset"}, nil
}

// UpdateConfig validates and applies a settings patch.
func (s *Service) UpdateConfig(p config.Patch) (config.Settings, error) {
	if p.Empty() {
		return s.deps.Store.Settings(), nil
	}
	return s.deps.Monitor.UpdateConfig(p)
}

// UpdateConfigJSON decodes a JSON patch and applies it.
func (s *Service) UpdateConfigJSON(data []byte) (config.Settings, error) {
	p, err := config.ParsePatch(data)
	if err != nil {
		return s.deps.Store.Settings(), err
	}
	return s.UpdateConfig(p)
}

// SearchHistory returns up to limit persisted searches, newest first.
func (s *Service) SearchHistory(limit int) ([]SearchRecord, error) {
	if s.deps.History == nil {
		return nil, storage.ErrNoHistory
	}
	reports, err := s.deps.History.Searches(limit)
	if err != nil {
		return nil, fmt.Errorf("reading search history: %w", err)
	}
	out := make([]SearchRecord, 0, len(reports))
	for _, r := range reports {
		out = append(out, SearchRecord{
			ID:             r.ID.String(),
			Trigger:        string(r.Trigger),
			Started:        r.Started,
			ElapsedSeconds: r.Elapsed.Seconds(),
			Outcome:        string(r.Outcome),
			Phase:          string(r.Phase),
			Marker:         r.Marker,
			Rotations:      r.Rotations,
			Moves:          r.Moves,
			Error:          r.Error,
		})
	}
	return out, nil
}

// BatteryHistory returns up to limit persisted tier transitions, newest first.
func (s *Service) BatteryHistory(limit int) ([]TierChangeRecord, error) {
	if s.deps.History == nil {
		return nil, storage.ErrNoHistory
	}
	changes, err := s.deps.History.TierChanges(limit)
	if err != nil {
		return nil, fmt.Errorf("reading tier history: %w", err)
	}
	out := make([]TierChangeRecord, 0, len(changes))
	for _, c := range changes {
		out = append(out, TierChangeRecord{Time: c.Time, Level: c.Level, From: c.From, To: c.To})
	}
	return out, nil
}

// NotificationStatus returns the outstanding alert and how many deliveries
// wait for a retry.
func (s *Service) NotificationStatus() NotificationStatus {
	if s.deps.Hub == nil {
		return NotificationStatus{}
	}
	out := NotificationStatus{Pending: s.deps.Hub.Pending()}
	if n, ok := s.deps.Hub.Active(); ok {
		out.Active = &n
	}
	return out
}

// Notifications returns the most recent operator notifications, newest first.
func (s *Service) Notifications(limit int) []notify.Notification {
	if s.deps.Hub == nil {
		return []notify.Notification{}
	}
	return s.deps.Hub.Recent(limit)
}

// RegisterHandlers registers every command with the dispatcher.
func (s *Service) RegisterHandlers(d *dispatcher.Dispatcher) {
	// State changes - sync, logged
	d.Register(":MONITOR:START:", s.handleStart, dispatcher.Logged())
	d.Register(":CONFIG:UPDATE:", s.handleConfigUpdate, dispatcher.Logged())

	// Fire-and-forget: answered with "queued", applied by a command worker.
	// Stop waits up to one check interval, so it must not hold the caller;
	// stop requests are never dropped.
	d.Register(":MONITOR:STOP:", s.handleStop, dispatcher.Buffered(1), dispatcher.Blocking(), dispatcher.Logged())
	d.Register(":CHARGING:RESET:", s.handleReset, dispatcher.Buffered(resetQueueSize), dispatcher.Logged())

	// Queries
	d.Register(":BATTERY:STATUS:", s.handleBatteryStatus, dispatcher.Timeout(statusReadTimeout))
	d.Register(":SIMULATION:STATUS:", s.handleSimulationStatus)
	d.Register(":SEARCH:HISTORY:", s.handleSearchHistory)
	d.Register(":BATTERY:HISTORY:", s.handleBatteryHistory)
	d.Register(":NOTIFY:RECENT:", s.handleNotifications)
	d.Register(":NOTIFY:STATUS:", s.handleNotificationStatus)

	// Manual search runs on the caller's goroutine and is bounded by the search timeout
	d.Register(":CHARGING:FIND:", s.handleFind, dispatcher.Logged())
}

func (s *Service) handleStart(context.Context, dispatcher.Event) (any, error) {
	return s.StartMonitoring()
}

func (s *Service) handleStop(context.Context, dispatcher.Event) (any, error) {
	return s.StopMonitoring(), nil
}

func (s *Service) handleReset(context.Context, dispatcher.Event) (any, error) {
	return s.ResetChargingSpot()
}

func (s *Service) handleConfigUpdate(_ context.Context, e dispatcher.Event) (any, error) {
	if len(e.Args) != 1 {
		return nil, fmt.Errorf("%w: expected one JSON object, got %d args", config.ErrInvalidConfig, len(e.Args))
	}
	return s.UpdateConfigJSON([]byte(e.Args[0]))
}

func (s *Service) handleBatteryStatus(ctx context.Context, _ dispatcher.Event) (any, error) {
	return s.BatteryStatus(ctx)
}

func (s *Service) handleSimulationStatus(context.Context, dispatcher.Event) (any, error) {
	return s.SimulationStatus(), nil
}

func (s *Service) handleFind(ctx context.Context, _ dispatcher.Event) (any, error) {
	return s.FindChargingSpot(ctx), nil
}

func (s *Service) handleSearchHistory(_ context.Context, e dispatcher.Event) (any, error) {
	limit, err := limitArg(e.Args)
	if err != nil {
		return nil, err
	}
	return s.SearchHistory(limit)
}

func (s *Service) handleBatteryHistory(_ context.Context, e dispatcher.Event) (any, error) {
	limit, err := limitArg(e.Args)
	if err != nil {
		return nil, err
	}
	return s.BatteryHistory(limit)
}

func (s *Service) handleNotificationStatus(context.Context, dispatcher.Event) (any, error) {
	return s.NotificationStatus(), nil
}

func (s *Service) handleNotifications(_ context.Context, e dispatcher.Event) (any, error) {
	limit, err := limitArg(e.Args)
	if err != nil {
		return nil, err
	}
	return s.Notifications(limit), nil
}

func limitArg(args []string) (int, error) {
	if len(args) == 0 {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", args[0])
	}
	return n, nil
}
